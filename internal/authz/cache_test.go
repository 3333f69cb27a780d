package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDenied = errors.New("authz backend unavailable")

func TestCachedAuthorizer_HitAvoidsInnerCall(t *testing.T) {
	calls := 0
	inner := AuthorizerFunc(func(context.Context, string, string) (bool, error) {
		calls++
		return true, nil
	})
	c := NewCachedAuthorizer(inner, CacheConfig{TTL: time.Minute, MaxSize: 10}, nil)

	for i := 0; i < 3; i++ {
		allowed, err := c.CheckAccess(context.Background(), "svc-1", "read")
		if err != nil || !allowed {
			t.Fatalf("CheckAccess() = (%v, %v), want (true, nil)", allowed, err)
		}
	}
	if calls != 1 {
		t.Fatalf("inner called %d times, want 1", calls)
	}
	hits, misses, _ := c.Stats()
	if hits != 2 || misses != 1 {
		t.Fatalf("hits=%d misses=%d, want hits=2 misses=1", hits, misses)
	}
}

func TestCachedAuthorizer_ExpiresAfterTTL(t *testing.T) {
	calls := 0
	inner := AuthorizerFunc(func(context.Context, string, string) (bool, error) {
		calls++
		return true, nil
	})
	c := NewCachedAuthorizer(inner, CacheConfig{TTL: time.Millisecond, MaxSize: 10}, nil)

	if _, err := c.CheckAccess(context.Background(), "svc-1", "read"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.CheckAccess(context.Background(), "svc-1", "read"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("inner called %d times, want 2 after TTL expiry", calls)
	}
}

func TestCachedAuthorizer_DistinctKeysDoNotCollide(t *testing.T) {
	inner := AuthorizerFunc(func(_ context.Context, serviceID, action string) (bool, error) {
		return serviceID == "svc-allowed", nil
	})
	c := NewCachedAuthorizer(inner, CacheConfig{TTL: time.Minute, MaxSize: 10}, nil)

	allowed, _ := c.CheckAccess(context.Background(), "svc-allowed", "read")
	denied, _ := c.CheckAccess(context.Background(), "svc-denied", "read")
	if !allowed || denied {
		t.Fatalf("allowed=%v denied=%v, want true/false", allowed, denied)
	}
}

func TestCachedAuthorizer_EvictsWhenMaxSizeReached(t *testing.T) {
	inner := AllowAll
	c := NewCachedAuthorizer(inner, CacheConfig{TTL: time.Minute, MaxSize: 2}, nil)

	for _, id := range []string{"svc-1", "svc-2", "svc-3"} {
		if _, err := c.CheckAccess(context.Background(), id, "read"); err != nil {
			t.Fatal(err)
		}
	}
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	if size > 2 {
		t.Fatalf("cache grew to %d entries, want <= 2", size)
	}
}

func TestCachedAuthorizer_PropagatesInnerError(t *testing.T) {
	wantErr := errDenied
	inner := AuthorizerFunc(func(context.Context, string, string) (bool, error) {
		return false, wantErr
	})
	c := NewCachedAuthorizer(inner, CacheConfig{TTL: time.Minute, MaxSize: 10}, nil)

	_, err := c.CheckAccess(context.Background(), "svc-1", "read")
	if err != wantErr {
		t.Fatalf("CheckAccess() error = %v, want %v", err, wantErr)
	}
}
