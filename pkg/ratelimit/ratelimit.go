// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket rate limiting of frontend
// connection attempts, keyed by client IP.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a single token-bucket limiter.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket holding capacity tokens, refilled at
// refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	add := int64(elapsed * float64(tb.refillRate))
	if add > 0 {
		tb.tokens += add
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Limiter tracks one bucket per client IP.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxClients int
}

// NewLimiter creates a per-client limiter. maxClients bounds the tracked
// client set; connections beyond it are refused outright.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
	}
}

// Allow reports whether a connection from clientIP may proceed.
func (l *Limiter) Allow(clientIP string) bool {
	l.mu.RLock()
	tb, ok := l.buckets[clientIP]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		tb, ok = l.buckets[clientIP]
		if !ok {
			if len(l.buckets) >= l.maxClients {
				// Drop stale buckets rather than growing without bound.
				l.evictLocked()
				if len(l.buckets) >= l.maxClients {
					// Every tracked client is active; refuse new ones.
					l.mu.Unlock()
					return false
				}
			}
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.buckets[clientIP] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// evictLocked removes full (idle) buckets; callers hold l.mu.
func (l *Limiter) evictLocked() {
	for ip, tb := range l.buckets {
		tb.mu.Lock()
		tb.refill()
		idle := tb.tokens == tb.capacity
		tb.mu.Unlock()
		if idle {
			delete(l.buckets, ip)
		}
	}
}

// Clients returns the number of tracked client IPs.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
