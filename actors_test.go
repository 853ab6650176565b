package apiviews

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestActorCache(t *testing.T) {
	var calls atomic.Int32
	inner := actorFunc(func(_ context.Context, creds Credentials) (int64, bool, error) {
		calls.Add(1)
		if creds.APIKey == "good" {
			return 7, true, nil
		}
		return 0, false, nil
	})
	c := NewActorCache(inner, 16, time.Minute)
	ctx := context.Background()

	for range 3 {
		id, ok, err := c.ResolveActor(ctx, Credentials{APIKey: "good", APIUsername: "alice"})
		if err != nil || !ok || id != 7 {
			t.Fatalf("ResolveActor() = %d, %v, %v", id, ok, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 lookup, got %d", calls.Load())
	}

	// Denials are cached too.
	for range 2 {
		if _, ok, _ := c.ResolveActor(ctx, Credentials{APIKey: "bad"}); ok {
			t.Fatal("expected denial")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 lookups, got %d", calls.Load())
	}

	c.Purge()
	_, _, _ = c.ResolveActor(ctx, Credentials{APIKey: "good", APIUsername: "alice"})
	if calls.Load() != 3 {
		t.Errorf("expected a lookup after Purge, got %d calls", calls.Load())
	}
}

func TestActorCache_ErrorsNotCached(t *testing.T) {
	var calls atomic.Int32
	inner := actorFunc(func(context.Context, Credentials) (int64, bool, error) {
		if calls.Add(1) == 1 {
			return 0, false, errors.New("db down")
		}
		return 7, true, nil
	})
	c := NewActorCache(inner, 16, time.Minute)

	if _, _, err := c.ResolveActor(context.Background(), Credentials{UserAPIKey: "k"}); err == nil {
		t.Fatal("expected error")
	}
	id, ok, err := c.ResolveActor(context.Background(), Credentials{UserAPIKey: "k"})
	if err != nil || !ok || id != 7 {
		t.Errorf("ResolveActor() = %d, %v, %v", id, ok, err)
	}
}

func TestActorCache_Expires(t *testing.T) {
	var calls atomic.Int32
	inner := actorFunc(func(context.Context, Credentials) (int64, bool, error) {
		calls.Add(1)
		return 7, true, nil
	})
	c := NewActorCache(inner, 16, 20*time.Millisecond)

	_, _, _ = c.ResolveActor(context.Background(), Credentials{APIKey: "k"})
	time.Sleep(60 * time.Millisecond)
	_, _, _ = c.ResolveActor(context.Background(), Credentials{APIKey: "k"})

	if calls.Load() != 2 {
		t.Errorf("expected 2 lookups, got %d", calls.Load())
	}
}
