// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker guarding the shared backend
// channel. When the backend fails repeatedly, further relay calls are
// rejected immediately instead of tying up connection goroutines.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int
	// ResetTimeout is how long to stay open before probing with HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen
	// required to close again.
	SuccessThreshold int
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	mu            sync.RWMutex
	config        Config
	state         State
	failures      int
	successes     int
	lastChange    time.Time
	onStateChange func(from, to State)
}

// New creates a breaker, applying defaults for zero config fields.
func New(config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	return &Breaker{
		config:     config,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Call runs fn if the breaker allows it, recording the result.
// Returns ErrOpen without running fn when the circuit is open.
func (b *Breaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastChange) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		switch b.state {
		case StateClosed:
			if b.failures >= b.config.MaxFailures {
				b.setState(StateOpen)
			}
		case StateHalfOpen:
			// Any failure while probing re-opens the circuit.
			b.setState(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

// setState transitions the breaker; callers hold b.mu.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.lastChange = time.Now()

	if next == StateClosed {
		b.failures = 0
		b.successes = 0
	} else if next == StateHalfOpen {
		b.successes = 0
	}

	if b.onStateChange != nil {
		go b.onStateChange(prev, next)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// OnStateChange registers a callback for state transitions.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}
