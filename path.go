package apiviews

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var topicPatterns sync.Map // basePath -> *regexp.Regexp

// topicPattern matches an optional base path, "/t/", an optional slug
// segment with its trailing slash, then the topic id digits.
func topicPattern(basePath string) *regexp.Regexp {
	basePath = strings.TrimRight(strings.TrimSpace(basePath), "/")
	if re, ok := topicPatterns.Load(basePath); ok {
		return re.(*regexp.Regexp)
	}

	expr := `^/t/(?:[^/]+/)?(\d+)`
	if basePath != "" {
		expr = `^(?:` + regexp.QuoteMeta(basePath) + `)?/t/(?:[^/]+/)?(\d+)`
	}
	re, _ := topicPatterns.LoadOrStore(basePath, regexp.MustCompile(expr))
	return re.(*regexp.Regexp)
}

// ExtractTargetID returns the topic id named by path. The id must be a
// positive integer that fits in an int64.
//
//	ExtractTargetID("/t/welcome/42", "")       // 42, true
//	ExtractTargetID("/t/42.json", "")          // 42, true
//	ExtractTargetID("/forum/t/x/7", "/forum")  // 7, true
//	ExtractTargetID("/t/welcome", "")          // 0, false
func ExtractTargetID(path, basePath string) (int64, bool) {
	id, reason := targetID(path, basePath)
	return id, reason == ""
}

// targetID is ExtractTargetID reporting why a path names no topic.
func targetID(path, basePath string) (int64, Reason) {
	m := topicPattern(basePath).FindStringSubmatch(path)
	if m == nil {
		return 0, ReasonNoTopic
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, ReasonInvalidTopic
	}
	return id, ""
}
