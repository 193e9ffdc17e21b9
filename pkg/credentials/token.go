// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mamikk/nomulus/pkg/errors"
	"github.com/mamikk/nomulus/pkg/metrics"
)

// TokenConfig holds access-token refresh configuration.
type TokenConfig struct {
	// RefreshMargin is how long before expiry a refresh is scheduled.
	RefreshMargin time.Duration

	// RetryInterval is the delay between refresh attempts after a failure.
	RetryInterval time.Duration

	// Logger for refresh events.
	Logger *slog.Logger

	// Metrics records refresh attempts; optional.
	Metrics *metrics.Metrics
}

// TokenSource maintains the backend bearer token. Refresh runs on its own
// timer, decoupled from request traffic; readers always see a complete
// token snapshot published atomically.
type TokenSource struct {
	config  TokenConfig
	source  oauth2.TokenSource
	current atomic.Pointer[oauth2.Token]
	kick    chan struct{}
}

// GoogleTokenSource builds an oauth2 source from application default
// credentials, scoped for the backend.
func GoogleTokenSource(ctx context.Context, scopes ...string) (oauth2.TokenSource, error) {
	src, err := google.DefaultTokenSource(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: obtain default token source: %v", errors.ErrCredential, err)
	}
	return src, nil
}

// NewTokenSource creates a TokenSource over src. Call Run to start the
// refresh cycle.
func NewTokenSource(src oauth2.TokenSource, cfg TokenConfig) *TokenSource {
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = 60 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenSource{
		config: cfg,
		source: src,
		kick:   make(chan struct{}, 1),
	}
}

// Token returns the latest valid bearer token without blocking on refresh.
// If no unexpired token is available the caller gets ErrUnauthorized; the
// refresh loop keeps retrying out-of-band.
func (t *TokenSource) Token() (string, error) {
	tok := t.current.Load()
	if tok == nil || !tok.Valid() {
		return "", fmt.Errorf("%w: no valid access token", errors.ErrUnauthorized)
	}
	return tok.AccessToken, nil
}

// RefreshNow asks the refresh loop to run immediately, if one is not
// already pending. Called by the relay client when the backend rejects the
// current token.
func (t *TokenSource) RefreshNow() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Run drives the refresh cycle until ctx is cancelled, then returns nil.
// The first refresh happens immediately; its failure is reported but not
// fatal, since token trouble degrades relay calls without stopping the
// proxy.
func (t *TokenSource) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-t.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		timer.Reset(t.refresh())
	}
}

// refresh fetches a new token and returns the delay until the next attempt.
func (t *TokenSource) refresh() time.Duration {
	tok, err := t.source.Token()
	if err != nil {
		if t.config.Metrics != nil {
			t.config.Metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		}
		t.config.Logger.Error("access token refresh failed",
			slog.String("error", err.Error()),
			slog.Bool("stale_token_available", t.current.Load() != nil && t.current.Load().Valid()))
		// Keep the last valid token, if any, and retry shortly.
		return t.config.RetryInterval
	}

	t.current.Store(tok)
	if t.config.Metrics != nil {
		t.config.Metrics.TokenRefreshes.WithLabelValues("success").Inc()
	}

	wait := time.Until(tok.Expiry) - t.config.RefreshMargin
	if tok.Expiry.IsZero() || wait < t.config.RetryInterval {
		// Tokens without expiry, or expiring inside the margin, are
		// re-checked at the retry cadence.
		wait = t.config.RetryInterval
	}
	t.config.Logger.Debug("access token refreshed",
		slog.Time("expiry", tok.Expiry),
		slog.Duration("next_refresh", wait))
	return wait
}
