package kubernetes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAuthRefresher_InstallsTokenImmediately(t *testing.T) {
	var seenAuth atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		seenAuth.Store(&h)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := &Client{http: srv.Client(), watchHTTP: srv.Client(), baseURL: srv.URL}
	var initial TokenSource = staticToken("")
	c.tokens.Store(&initial)

	refresher := NewAuthRefresher(c, func(context.Context) (string, error) {
		return "fresh-token", nil
	}, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = refresher.refreshOnce(ctx)

	if _, err := c.Request(context.Background(), http.MethodGet, "/", nil, ""); err != nil {
		t.Fatal(err)
	}
	got := seenAuth.Load()
	if got == nil || *got != "Bearer fresh-token" {
		t.Fatalf("Authorization header = %v, want Bearer fresh-token", got)
	}
}

func TestAuthRefresher_KeepsPreviousTokenOnFailure(t *testing.T) {
	c := &Client{}
	refresher := NewAuthRefresher(c, func(context.Context) (string, error) {
		return "initial", nil
	}, time.Hour, nil)

	if err := refresher.refreshOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := refresher.token.Token(); got != "initial" {
		t.Fatalf("token = %q, want initial", got)
	}

	refresher.actionFn = func(context.Context) (string, error) {
		return "", errors.New("minting failed")
	}
	if err := refresher.refreshOnce(context.Background()); err == nil {
		t.Fatal("expected refreshOnce to propagate actionFn error")
	}
	if got := refresher.token.Token(); got != "initial" {
		t.Fatalf("token = %q, want unchanged initial after failed refresh", got)
	}
}
