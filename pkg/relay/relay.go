// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay bridges decoded protocol messages to the registry backend
// over authenticated HTTPS. One relay call per message: POST the payload,
// return the backend's response body for the codec to frame.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mamikk/nomulus/pkg/breaker"
	"github.com/mamikk/nomulus/pkg/codec"
	"github.com/mamikk/nomulus/pkg/errors"
	"github.com/mamikk/nomulus/pkg/metrics"
)

// Headers carrying client identity to the backend, which applies its own
// access control on them.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderCertificate  = "X-SSL-Certificate"
)

// TokenProvider supplies the current backend bearer token.
type TokenProvider interface {
	// Token returns the latest valid token without blocking on refresh.
	Token() (string, error)

	// RefreshNow signals that the backend rejected the current token.
	RefreshNow()
}

// Config holds relay client configuration.
type Config struct {
	// Endpoints maps protocol names to backend URLs.
	Endpoints map[string]string

	// Timeout bounds one backend request, connection included.
	Timeout time.Duration

	// Attempts is the total number of tries for retryable failures.
	Attempts int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration

	// Logger for relay events.
	Logger *slog.Logger

	// Metrics records call outcomes and latencies; optional.
	Metrics *metrics.Metrics

	// Breaker guards the shared backend channel; optional.
	Breaker *breaker.Breaker

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client relays protocol messages to the backend.
type Client struct {
	config Config
	tokens TokenProvider
	client *http.Client
}

// New creates a relay client. Every configured endpoint must be a valid
// absolute URL; anything else is a startup configuration error.
func New(cfg Config, tokens TokenProvider) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: no relay endpoints configured", errors.ErrConfiguration)
	}
	for name, endpoint := range cfg.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("%w: relay endpoint for %q: %q", errors.ErrConfiguration, name, endpoint)
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config: cfg,
		tokens: tokens,
		client: client,
	}, nil
}

// Relay posts one decoded message to the backend and returns the response
// body. On RelayBackendRejected the body is still returned so the codec can
// pass the backend's own error response through to the client verbatim.
func (c *Client) Relay(ctx context.Context, msg *codec.Message) ([]byte, error) {
	endpoint, ok := c.config.Endpoints[msg.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: no relay endpoint for protocol %q", errors.ErrConfiguration, msg.Protocol)
	}

	var body []byte
	var err error
	if c.config.Metrics == nil {
		return c.relayGuarded(ctx, endpoint, msg)
	}
	c.config.Metrics.ObserveRelay(msg.Protocol, func() string {
		body, err = c.relayGuarded(ctx, endpoint, msg)
		return outcomeLabel(err)
	})
	return body, err
}

// relayGuarded runs the attempt loop under the circuit breaker. Only
// failures that indicate a sick backend channel (timeouts, unavailability)
// count against the breaker; application rejections and auth errors mean
// the backend is alive.
func (c *Client) relayGuarded(ctx context.Context, endpoint string, msg *codec.Message) ([]byte, error) {
	if c.config.Breaker == nil {
		return c.doAttempts(ctx, endpoint, msg)
	}

	var body []byte
	var relayErr error
	err := c.config.Breaker.Call(func() error {
		body, relayErr = c.doAttempts(ctx, endpoint, msg)
		if re, ok := errors.AsRelayError(relayErr); ok {
			if re.Kind == errors.RelayTimeout || re.Kind == errors.RelayBackendUnavailable {
				return relayErr
			}
		}
		return nil
	})
	if err == breaker.ErrOpen {
		return nil, errors.NewRelayError(errors.RelayBackendUnavailable, msg.Protocol, 0, err)
	}
	return body, relayErr
}

// doAttempts tries the backend call up to the configured attempt count,
// backing off exponentially between retryable failures.
func (c *Client) doAttempts(ctx context.Context, endpoint string, msg *codec.Message) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.Attempts; attempt++ {
		if attempt > 0 {
			if c.config.Metrics != nil {
				c.config.Metrics.RelayRetries.WithLabelValues(msg.Protocol).Inc()
			}
			delay := c.config.RetryBaseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.NewRelayError(errors.RelayTimeout, msg.Protocol, 0, ctx.Err())
			case <-timer.C:
			}
		}

		body, retryable, err := c.doOnce(ctx, endpoint, msg)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return body, err
		}
		lastErr = err
		c.config.Logger.Debug("relay attempt failed",
			slog.String("protocol", msg.Protocol),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

// doOnce performs a single backend request. The second return value
// reports whether the failure is worth retrying.
func (c *Client) doOnce(ctx context.Context, endpoint string, msg *codec.Message) ([]byte, bool, error) {
	token, err := c.tokens.Token()
	if err != nil {
		// No valid token and refresh is failing out-of-band: every call
		// fails with AuthError until refresh succeeds.
		return nil, false, errors.NewRelayError(errors.RelayAuthError, msg.Protocol, 0, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, false, errors.NewRelayError(errors.RelayBackendUnavailable, msg.Protocol, 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	if msg.ClientIP != "" {
		req.Header.Set(HeaderForwardedFor, msg.ClientIP)
	}
	if msg.CertFingerprint != "" {
		req.Header.Set(HeaderCertificate, msg.CertFingerprint)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, false, errors.NewRelayError(errors.RelayTimeout, msg.Protocol, 0, err)
		}
		// Connection refused and friends: the request never reached the
		// backend, safe to retry.
		return nil, true, errors.NewRelayError(errors.RelayBackendUnavailable, msg.Protocol, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.NewRelayError(errors.RelayBackendUnavailable, msg.Protocol, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Never retry with the same token; let refresh catch up first.
		c.tokens.RefreshNow()
		return nil, false, errors.NewRelayError(errors.RelayAuthError, msg.Protocol, resp.StatusCode,
			fmt.Errorf("backend rejected token"))
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, true, errors.NewRelayError(errors.RelayBackendUnavailable, msg.Protocol, resp.StatusCode,
			fmt.Errorf("backend gateway error"))
	default:
		// The backend understood the request and answered with its own
		// error; pass the body through untouched.
		return body, false, errors.NewRelayError(errors.RelayBackendRejected, msg.Protocol, resp.StatusCode,
			fmt.Errorf("backend returned status %d", resp.StatusCode))
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	if re, ok := errors.AsRelayError(err); ok {
		switch re.Kind {
		case errors.RelayTimeout:
			return metrics.OutcomeTimeout
		case errors.RelayAuthError:
			return metrics.OutcomeAuthError
		case errors.RelayBackendUnavailable:
			return metrics.OutcomeBackendUnavailable
		case errors.RelayBackendRejected:
			return metrics.OutcomeBackendRejected
		}
	}
	return metrics.OutcomeBackendUnavailable
}
