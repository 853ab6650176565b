package topics

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nhalm/apiviews"
	"github.com/nhalm/apiviews/store"
)

func setupRepository(t *testing.T) *Repository {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "forum.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func createTopic(t *testing.T, r *Repository, views int64) *Topic {
	t.Helper()
	topic := &Topic{Title: "Welcome", Slug: "welcome", Views: views}
	if err := r.CreateTopic(context.Background(), topic); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return topic
}

func createUser(t *testing.T, r *Repository, u *User) *User {
	t.Helper()
	if err := r.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestRepository_FindTopic(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)
	live := createTopic(t, r, 0)
	deleted := createTopic(t, r, 0)
	if err := r.DeleteTopic(ctx, deleted.ID); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}

	tests := []struct {
		name        string
		id          int64
		wantFound   bool
		wantDeleted bool
	}{
		{name: "live topic", id: live.ID, wantFound: true},
		{name: "deleted topic", id: deleted.ID, wantFound: true, wantDeleted: true},
		{name: "missing topic", id: 999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, found, err := r.FindTopic(ctx, tt.id)
			if err != nil {
				t.Fatalf("FindTopic: %v", err)
			}
			if found != tt.wantFound || ref.Deleted != tt.wantDeleted {
				t.Errorf("FindTopic(%d) = %+v, %v", tt.id, ref, found)
			}
		})
	}

	if _, err := r.Topic(ctx, deleted.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for deleted topic, got %v", err)
	}
}

func TestRepository_IncrementViews(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)
	topic := createTopic(t, r, 10)

	if err := r.IncrementViews(ctx, topic.ID); err != nil {
		t.Fatalf("IncrementViews: %v", err)
	}

	got, err := r.Topic(ctx, topic.ID)
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if got.Views != 11 {
		t.Errorf("expected 11 views, got %d", got.Views)
	}

	if err := r.IncrementViews(ctx, 999); err != nil {
		t.Errorf("incrementing a missing topic should be a no-op, got %v", err)
	}
}

func TestRepository_IncrementViews_Concurrent(t *testing.T) {
	const workers = 40
	ctx := context.Background()
	r := setupRepository(t)
	topic := createTopic(t, r, 0)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.IncrementViews(ctx, topic.ID); err != nil {
				t.Errorf("IncrementViews: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := r.Topic(ctx, topic.ID)
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if got.Views != workers {
		t.Errorf("expected %d views, got %d", workers, got.Views)
	}
}

func TestRepository_FindUser(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)
	alice := createUser(t, r, &User{ID: 7, Username: "alice"})
	bot := createUser(t, r, &User{ID: 8, Username: "helper", Bot: true})
	system := createUser(t, r, &User{ID: -1, Username: "system"})

	tests := []struct {
		name      string
		id        int64
		wantFound bool
		wantHuman bool
	}{
		{name: "human", id: alice.ID, wantFound: true, wantHuman: true},
		{name: "bot", id: bot.ID, wantFound: true},
		{name: "system", id: system.ID, wantFound: true},
		{name: "missing", id: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, found, err := r.FindUser(ctx, tt.id)
			if err != nil {
				t.Fatalf("FindUser: %v", err)
			}
			if found != tt.wantFound || u.Human != tt.wantHuman {
				t.Errorf("FindUser(%d) = %+v, %v", tt.id, u, found)
			}
		})
	}
}

func TestRepository_TrackVisit(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)
	topic := createTopic(t, r, 0)
	user := createUser(t, r, &User{ID: 7, Username: "alice"})

	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	if err := r.TrackVisit(ctx, user.ID, topic.ID, first); err != nil {
		t.Fatalf("TrackVisit: %v", err)
	}
	if err := r.TrackVisit(ctx, user.ID, topic.ID, second); err != nil {
		t.Fatalf("TrackVisit: %v", err)
	}

	v, found, err := r.Visit(ctx, user.ID, topic.ID)
	if err != nil || !found {
		t.Fatalf("Visit() = %v, %v", found, err)
	}
	if !v.FirstVisitedAt.Equal(first) {
		t.Errorf("first visit moved: %v", v.FirstVisitedAt)
	}
	if !v.LastVisitedAt.Equal(second) {
		t.Errorf("expected last visit %v, got %v", second, v.LastVisitedAt)
	}
	if v.TotalVisits != 2 {
		t.Errorf("expected 2 visits, got %d", v.TotalVisits)
	}

	if _, found, _ := r.Visit(ctx, user.ID, 999); found {
		t.Error("unexpected visit marker")
	}
}

func TestRepository_ResolveActor(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)
	alice := createUser(t, r, &User{ID: 7, Username: "alice"})
	bob := createUser(t, r, &User{ID: 9, Username: "Bob"})

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(r.CreateAPIKey(ctx, "global-key", nil, "all users"))
	must(r.CreateAPIKey(ctx, "alice-key", &alice.ID, "alice only"))
	must(r.CreateAPIKey(ctx, "revoked-key", nil, "old"))
	must(r.RevokeAPIKey(ctx, "revoked-key"))
	must(r.CreateUserAPIKey(ctx, "bob-app-key", bob.ID))

	tests := []struct {
		name   string
		creds  apiviews.Credentials
		wantID int64
		wantOK bool
	}{
		{name: "no credentials"},
		{name: "global key with username", creds: apiviews.Credentials{APIKey: "global-key", APIUsername: "bob"}, wantID: bob.ID, wantOK: true},
		{name: "global key without username", creds: apiviews.Credentials{APIKey: "global-key"}},
		{name: "global key with unknown username", creds: apiviews.Credentials{APIKey: "global-key", APIUsername: "mallory"}},
		{name: "user key", creds: apiviews.Credentials{APIKey: "alice-key"}, wantID: alice.ID, wantOK: true},
		{name: "user key with matching username", creds: apiviews.Credentials{APIKey: "alice-key", APIUsername: "ALICE"}, wantID: alice.ID, wantOK: true},
		{name: "user key with other username", creds: apiviews.Credentials{APIKey: "alice-key", APIUsername: "bob"}},
		{name: "revoked key", creds: apiviews.Credentials{APIKey: "revoked-key", APIUsername: "bob"}},
		{name: "unknown key", creds: apiviews.Credentials{APIKey: "nope", APIUsername: "bob"}},
		{name: "user api key", creds: apiviews.Credentials{UserAPIKey: "bob-app-key"}, wantID: bob.ID, wantOK: true},
		{name: "unknown user api key", creds: apiviews.Credentials{UserAPIKey: "nope"}},
		{name: "username without key", creds: apiviews.Credentials{APIUsername: "bob"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok, err := r.ResolveActor(ctx, tt.creds)
			if err != nil {
				t.Fatalf("ResolveActor: %v", err)
			}
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("ResolveActor() = %d, %v, want %d, %v", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestHashKey(t *testing.T) {
	if HashKey("a") == HashKey("b") {
		t.Error("different keys share a hash")
	}
	if len(HashKey("a")) != 64 {
		t.Errorf("unexpected hash length %d", len(HashKey("a")))
	}
}

// TestJob_AgainstDatabase runs the view counter job on the real repository.
func TestJob_AgainstDatabase(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)
	topic := createTopic(t, r, 10)
	user := createUser(t, r, &User{ID: 7, Username: "alice"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st := store.NewMemory()
	defer st.Close()
	job := apiviews.NewJob(nil, r,
		apiviews.WithVisits(r),
		apiviews.WithLimiter(apiviews.NewViewLimiter(st)),
		apiviews.WithClock(func() time.Time { return now }),
	)

	s := apiviews.Settings{Enabled: true, MaxPerMinutePerIP: 5}
	item := apiviews.WorkItem{TopicID: topic.ID, IP: "10.0.0.1", UserID: &user.ID}
	if err := job.Execute(ctx, s, item); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := r.Topic(ctx, topic.ID)
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if got.Views != 11 {
		t.Errorf("expected 11 views, got %d", got.Views)
	}
	v, found, err := r.Visit(ctx, user.ID, topic.ID)
	if err != nil || !found {
		t.Fatalf("Visit() = %v, %v", found, err)
	}
	if !v.LastVisitedAt.Equal(now) {
		t.Errorf("expected visit at %v, got %v", now, v.LastVisitedAt)
	}

	// Deleted topics are revalidated at execution time.
	if err := r.DeleteTopic(ctx, topic.ID); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if err := job.Execute(ctx, s, item); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var views int64
	if err := r.db.Unscoped().Model(&Topic{}).Where("id = ?", topic.ID).Pluck("views", &views).Error; err != nil {
		t.Fatalf("Pluck: %v", err)
	}
	if views != 11 {
		t.Errorf("deleted topic was counted: %d views", views)
	}
}
