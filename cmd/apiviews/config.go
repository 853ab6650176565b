package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nhalm/apiviews"
	"github.com/redis/go-redis/v9"
)

// config is everything the binary reads from the environment.
type config struct {
	Addr     string
	DB       string
	BasePath string

	AdminToken string
	TrustProxy bool

	RedisURL      string
	RedisPassword string
	Redis         *redis.Options

	QueueBackend string
	QueueWorkers int
	KafkaBrokers []string
	KafkaTopic   string

	Settings apiviews.Settings
	Debug    bool

	SentryDSN string
	LogFile   string
}

const (
	backendMemory = "memory"
	backendRedis  = "redis"
	backendKafka  = "kafka"
)

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Addr:          envOr(getenv, "APIVIEWS_ADDR", ":8080"),
		DB:            envOr(getenv, "APIVIEWS_DB", "apiviews.db"),
		BasePath:      strings.TrimRight(getenv("APIVIEWS_BASE_PATH"), "/"),
		RedisURL:      getenv("REDIS_URL"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		QueueBackend:  envOr(getenv, "QUEUE_BACKEND", backendMemory),
		KafkaTopic:    envOr(getenv, "KAFKA_TOPIC", "apiviews.jobs"),
		AdminToken:    getenv("APIVIEWS_ADMIN_TOKEN"),
		SentryDSN:     getenv("SENTRY_DSN"),
		LogFile:       getenv("LOG_FILE"),
	}

	var err error
	if cfg.QueueWorkers, err = envInt(getenv, "QUEUE_WORKERS", 4); err != nil {
		return config{}, err
	}
	if cfg.TrustProxy, err = envBool(getenv, "APIVIEWS_TRUST_PROXY", false); err != nil {
		return config{}, err
	}
	if cfg.Debug, err = envBool(getenv, "API_TOPIC_VIEWS_DEBUG", false); err != nil {
		return config{}, err
	}
	if cfg.Settings.Enabled, err = envBool(getenv, "API_TOPIC_VIEWS_ENABLED", false); err != nil {
		return config{}, err
	}
	if cfg.Settings.MaxPerMinutePerIP, err = envInt(getenv, "API_TOPIC_VIEWS_MAX_PER_MINUTE_PER_IP", 0); err != nil {
		return config{}, err
	}
	cfg.Settings.RequireHeader = getenv("API_TOPIC_VIEWS_REQUIRE_HEADER")
	if err := cfg.Settings.Validate(); err != nil {
		return config{}, err
	}

	for _, b := range strings.Split(getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	if cfg.RedisURL != "" {
		if cfg.Redis, err = redisOptions(cfg.RedisURL, cfg.RedisPassword); err != nil {
			return config{}, err
		}
	}

	switch cfg.QueueBackend {
	case backendMemory:
	case backendRedis:
		if cfg.RedisURL == "" {
			return config{}, fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_URL")
		}
	case backendKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return config{}, fmt.Errorf("QUEUE_BACKEND=kafka requires KAFKA_BROKERS")
		}
	default:
		return config{}, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	return cfg, nil
}

// redisOptions accepts a redis:// or rediss:// URL, or a bare host:port.
// A non-empty password overrides the one in the URL.
func redisOptions(rawURL, password string) (*redis.Options, error) {
	opts := &redis.Options{Addr: rawURL}
	if strings.Contains(rawURL, "://") {
		var err error
		if opts, err = redis.ParseURL(rawURL); err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
	}
	if password != "" {
		opts.Password = password
	}
	return opts, nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(getenv func(string) string, key string, def bool) (bool, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
