// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	proxyerrors "github.com/mamikk/nomulus/pkg/errors"
)

// fakeOAuthSource hands out queued tokens or errors, newest call first.
type fakeOAuthSource struct {
	mu     sync.Mutex
	tokens []*oauth2.Token
	errs   []error
	calls  int
}

func (f *fakeOAuthSource) Token() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.tokens) == 0 {
		return nil, errors.New("no more tokens")
	}
	tok := f.tokens[0]
	if len(f.tokens) > 1 {
		f.tokens = f.tokens[1:]
	}
	return tok, nil
}

func (f *fakeOAuthSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func validToken(access string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: access,
		Expiry:      time.Now().Add(time.Hour),
	}
}

func TestToken_NoneYet(t *testing.T) {
	ts := NewTokenSource(&fakeOAuthSource{}, TokenConfig{})
	_, err := ts.Token()
	require.ErrorIs(t, err, proxyerrors.ErrUnauthorized)
}

func TestRun_PublishesToken(t *testing.T) {
	src := &fakeOAuthSource{tokens: []*oauth2.Token{validToken("tok-1")}}
	ts := NewTokenSource(src, TokenConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := ts.Token()
		return err == nil
	}, time.Second, 10*time.Millisecond)

	access, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", access)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRun_FailureKeepsStaleToken(t *testing.T) {
	src := &fakeOAuthSource{
		tokens: []*oauth2.Token{validToken("tok-1")},
		errs:   []error{nil, errors.New("metadata server unreachable")},
	}
	ts := NewTokenSource(src, TokenConfig{
		// Force an immediate second refresh that fails.
		RefreshMargin: 2 * time.Hour,
		RetryInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ts.Run(ctx) }()

	require.Eventually(t, func() bool {
		return src.callCount() >= 2
	}, time.Second, 5*time.Millisecond)

	// The failed refresh must not evict the still-valid token.
	access, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", access)
}

func TestRefreshNow_TriggersRefresh(t *testing.T) {
	src := &fakeOAuthSource{tokens: []*oauth2.Token{validToken("tok-1")}}
	ts := NewTokenSource(src, TokenConfig{
		RefreshMargin: time.Minute,
		RetryInterval: time.Hour, // no scheduled refresh during the test
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ts.Run(ctx) }()

	require.Eventually(t, func() bool {
		return src.callCount() >= 1
	}, time.Second, 5*time.Millisecond)

	before := src.callCount()
	ts.RefreshNow()

	require.Eventually(t, func() bool {
		return src.callCount() > before
	}, time.Second, 5*time.Millisecond)
}

func TestToken_ExpiredIsRejected(t *testing.T) {
	src := &fakeOAuthSource{}
	ts := NewTokenSource(src, TokenConfig{})
	ts.current.Store(&oauth2.Token{
		AccessToken: "stale",
		Expiry:      time.Now().Add(-time.Minute),
	})

	_, err := ts.Token()
	require.ErrorIs(t, err, proxyerrors.ErrUnauthorized)
}
