package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), "pulseboard:scope")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("://nope", "c"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSetAndLookupActiveOrganization(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SetActiveOrganization(ctx, "user-1", "org_a"); err != nil {
		t.Fatalf("SetActiveOrganization failed: %v", err)
	}

	got, err := store.ActiveOrganization(ctx, "user-1")
	if err != nil {
		t.Fatalf("ActiveOrganization failed: %v", err)
	}
	if got != "org_a" {
		t.Errorf("expected org_a, got %q", got)
	}

	if ttl := s.TTL("scope:user-1"); ttl <= 0 {
		t.Errorf("expected scope key to carry a ttl, got %s", ttl)
	}
}

func TestActiveOrganizationMissing(t *testing.T) {
	store, _ := setupTestRedis(t)

	got, err := store.ActiveOrganization(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("ActiveOrganization failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty scope, got %q", got)
	}
}

func TestScopeExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SetActiveOrganization(ctx, "user-1", "org_a"); err != nil {
		t.Fatalf("SetActiveOrganization failed: %v", err)
	}
	s.FastForward(scopeTTL + time.Second)

	got, err := store.ActiveOrganization(ctx, "user-1")
	if err != nil {
		t.Fatalf("ActiveOrganization failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected expired scope, got %q", got)
	}
}

func TestSetEmptyOrganizationClears(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SetActiveOrganization(ctx, "user-1", "org_a"); err != nil {
		t.Fatalf("SetActiveOrganization failed: %v", err)
	}
	if err := store.SetActiveOrganization(ctx, "user-1", ""); err != nil {
		t.Fatalf("SetActiveOrganization(\"\") failed: %v", err)
	}
	got, _ := store.ActiveOrganization(ctx, "user-1")
	if got != "" {
		t.Errorf("expected cleared scope, got %q", got)
	}

	if err := store.SetActiveOrganization(ctx, "", "org_a"); err == nil {
		t.Error("expected error for missing user id")
	}
}

func TestWatchReceivesScopeChanges(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	changes := make(chan ScopeChange, 4)
	stop, err := store.Watch(ctx, func(change ScopeChange) { changes <- change })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = stop() }()

	if err := store.SetActiveOrganization(ctx, "user-1", "org_a"); err != nil {
		t.Fatalf("SetActiveOrganization failed: %v", err)
	}
	if err := store.ClearActiveOrganization(ctx, "user-1"); err != nil {
		t.Fatalf("ClearActiveOrganization failed: %v", err)
	}

	want := []ScopeChange{
		{UserID: "user-1", OrganizationID: "org_a"},
		{UserID: "user-1"},
	}
	for i, expected := range want {
		select {
		case got := <-changes:
			if got != expected {
				t.Errorf("change %d: expected %+v, got %+v", i, expected, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d", i)
		}
	}
}

func TestWatchStopsDelivering(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	changes := make(chan ScopeChange, 4)
	stop, err := store.Watch(ctx, func(change ScopeChange) { changes <- change })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	s.Publish("pulseboard:scope", `{"user_id":"user-1","organization_id":"org_a"}`)
	select {
	case got := <-changes:
		t.Fatalf("unexpected change after stop: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
