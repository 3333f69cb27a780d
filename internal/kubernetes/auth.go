package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TokenActionFn produces a fresh bearer token, e.g. by re-reading a
// service-account token file or calling out to an external token minting
// endpoint named by authentication.action-fn.
type TokenActionFn func(ctx context.Context) (string, error)

// atomicToken is the TokenSource the refresh worker updates in place; a
// single atomic.Pointer[string] cell per spec §5 "auth token is a single
// atomic cell; readers load once per request".
type atomicToken struct {
	value atomic.Pointer[string]
}

func (t *atomicToken) Token() string {
	v := t.value.Load()
	if v == nil {
		return ""
	}
	return *v
}

func (t *atomicToken) set(token string) {
	t.value.Store(&token)
}

// AuthRefresher is the optional cooperative task (spec §4.1/§5) that
// periodically re-derives the orchestrator client's bearer token and
// installs it on the client. It only runs when authentication.action-fn is
// configured; otherwise the client keeps whatever static token it started
// with (in-cluster service-account token or kubeconfig credentials).
type AuthRefresher struct {
	client   *Client
	actionFn TokenActionFn
	interval time.Duration
	logger   *slog.Logger
	token    atomicToken
}

// NewAuthRefresher wires a refresher that installs tokens on client. interval
// should be non-positive only when the caller never intends to call Run.
func NewAuthRefresher(client *Client, actionFn TokenActionFn, interval time.Duration, logger *slog.Logger) *AuthRefresher {
	return &AuthRefresher{client: client, actionFn: actionFn, interval: interval, logger: logger}
}

// Run refreshes the token once immediately, installs it, then refreshes
// again every interval until ctx is cancelled. Refresh failures are logged
// and the previous token is kept in place rather than clearing it.
func (r *AuthRefresher) Run(ctx context.Context) error {
	if err := r.refreshOnce(ctx); err != nil {
		return fmt.Errorf("initial token refresh failed: %w", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.refreshOnce(ctx); err != nil {
				r.logf("token refresh failed, keeping previous token: %v", err)
			}
		}
	}
}

func (r *AuthRefresher) refreshOnce(ctx context.Context) error {
	token, err := r.actionFn(ctx)
	if err != nil {
		return err
	}
	r.token.set(token)
	r.client.SetTokenSource(&r.token)
	return nil
}

func (r *AuthRefresher) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(fmt.Sprintf(format, args...))
}
