// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a per-domain circuit breaker.
//
// # State Diagram
//
//	CLOSED ──[3 consecutive failures]──► OPEN
//	   ▲                                  │
//	   └──[cool-down elapsed + success]◄──┘
//
// An OPEN breaker rejects calls immediately until its cool-down
// deadline passes; the first call after the deadline is attempted, and
// its outcome decides whether the breaker closes or re-opens.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the domain is known-unreachable and calls
	// are rejected without touching the network.
	CircuitOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	// Default: 3
	FailureThreshold int

	// Cooldown is how long an open breaker rejects calls.
	// Default: 60 seconds
	Cooldown time.Duration

	// OnStateChange is called on transitions, with the domain name.
	// Called synchronously under the breaker lock; keep it cheap.
	OnStateChange func(domain string, from, to CircuitState)

	// now is swappable for tests.
	now func() time.Time
}

// applyDefaults fills zero values.
func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// domainState is the transient per-domain failure record. Rebuilt
// from zero on process restart; breaker state is deliberately not
// persisted.
type domainState struct {
	state    CircuitState
	failures int
	openedAt time.Time
}

// BreakerTable tracks one circuit breaker per remote domain.
//
// Thread Safety: Safe for concurrent use.
type BreakerTable struct {
	config  BreakerConfig
	mu      sync.Mutex
	domains map[string]*domainState
}

// NewBreakerTable creates an empty table.
func NewBreakerTable(config BreakerConfig) *BreakerTable {
	config.applyDefaults()
	return &BreakerTable{
		config:  config,
		domains: make(map[string]*domainState),
	}
}

// Allow reports whether a call to domain may proceed.
//
// An open breaker whose cool-down has elapsed allows exactly this
// call as the probe; the breaker stays formally open until the probe
// result arrives through RecordSuccess or RecordFailure.
func (t *BreakerTable) Allow(domain string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.domain(domain)
	switch d.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return t.config.now().Sub(d.openedAt) >= t.config.Cooldown
	default:
		return false
	}
}

// RecordSuccess notes a successful call and closes an open breaker.
func (t *BreakerTable) RecordSuccess(domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.domain(domain)
	d.failures = 0
	if d.state == CircuitOpen {
		t.transition(domain, d, CircuitClosed)
	}
}

// RecordFailure notes a failed call, opening the breaker at the
// threshold or re-arming the cool-down of a failed probe.
func (t *BreakerTable) RecordFailure(domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.domain(domain)
	d.failures++
	switch d.state {
	case CircuitClosed:
		if d.failures >= t.config.FailureThreshold {
			t.transition(domain, d, CircuitOpen)
		}
	case CircuitOpen:
		// Failed probe: restart the cool-down clock.
		d.openedAt = t.config.now()
	}
}

// State returns the current state of a domain's breaker.
func (t *BreakerTable) State(domain string) CircuitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.domain(domain).state
}

// domain fetches or creates per-domain state. Caller holds the lock.
func (t *BreakerTable) domain(name string) *domainState {
	d, ok := t.domains[name]
	if !ok {
		d = &domainState{state: CircuitClosed}
		t.domains[name] = d
	}
	return d
}

// transition moves a domain to a new state. Caller holds the lock.
func (t *BreakerTable) transition(domain string, d *domainState, to CircuitState) {
	from := d.state
	d.state = to
	if to == CircuitOpen {
		d.openedAt = t.config.now()
	}
	if from != to && t.config.OnStateChange != nil {
		t.config.OnStateChange(domain, from, to)
	}
}
