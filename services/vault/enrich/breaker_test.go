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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives breaker time deterministically.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func testTable(clock *fakeClock) *BreakerTable {
	return NewBreakerTable(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		now:              clock.Now,
	})
}

// TestBreakerOpensAtThreshold verifies 3 consecutive failures open
// the breaker and a 4th call 1ms later is rejected without network.
func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	table := testTable(clock)

	for i := 0; i < 2; i++ {
		assert.True(t, table.Allow("api.example.com"))
		table.RecordFailure("api.example.com")
		assert.Equal(t, CircuitClosed, table.State("api.example.com"))
	}

	assert.True(t, table.Allow("api.example.com"))
	table.RecordFailure("api.example.com")
	assert.Equal(t, CircuitOpen, table.State("api.example.com"))

	clock.Advance(time.Millisecond)
	assert.False(t, table.Allow("api.example.com"),
		"call 1ms after opening must be rejected immediately")
}

// TestBreakerProbeAfterCooldown verifies the post-cooldown probe is
// attempted and its success closes the breaker.
func TestBreakerProbeAfterCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	table := testTable(clock)

	for i := 0; i < 3; i++ {
		table.RecordFailure("api.example.com")
	}
	assert.Equal(t, CircuitOpen, table.State("api.example.com"))

	clock.Advance(60*time.Second + time.Millisecond)
	assert.True(t, table.Allow("api.example.com"), "post-cooldown call must be attempted")

	table.RecordSuccess("api.example.com")
	assert.Equal(t, CircuitClosed, table.State("api.example.com"))
	assert.True(t, table.Allow("api.example.com"))
}

// TestBreakerFailedProbeRearms verifies a failed probe restarts the
// cool-down rather than closing the breaker.
func TestBreakerFailedProbeRearms(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	table := testTable(clock)

	for i := 0; i < 3; i++ {
		table.RecordFailure("api.example.com")
	}
	clock.Advance(61 * time.Second)
	assert.True(t, table.Allow("api.example.com"))
	table.RecordFailure("api.example.com")

	clock.Advance(30 * time.Second)
	assert.False(t, table.Allow("api.example.com"), "cool-down restarted by failed probe")

	clock.Advance(31 * time.Second)
	assert.True(t, table.Allow("api.example.com"))
}

// TestBreakerSuccessResetsCounter verifies interleaved successes keep
// the breaker closed.
func TestBreakerSuccessResetsCounter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	table := testTable(clock)

	table.RecordFailure("api.example.com")
	table.RecordFailure("api.example.com")
	table.RecordSuccess("api.example.com")
	table.RecordFailure("api.example.com")
	table.RecordFailure("api.example.com")

	assert.Equal(t, CircuitClosed, table.State("api.example.com"))
}

// TestBreakerDomainsIndependent verifies one bad domain does not trip
// another.
func TestBreakerDomainsIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	table := testTable(clock)

	for i := 0; i < 3; i++ {
		table.RecordFailure("bad.example.com")
	}
	assert.Equal(t, CircuitOpen, table.State("bad.example.com"))
	assert.Equal(t, CircuitClosed, table.State("good.example.com"))
	assert.True(t, table.Allow("good.example.com"))
}

// TestBreakerStateChangeCallback verifies transition notifications.
func TestBreakerStateChangeCallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	table := NewBreakerTable(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		now:              clock.Now,
		OnStateChange: func(domain string, from, to CircuitState) {
			transitions = append(transitions, domain+":"+from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 3; i++ {
		table.RecordFailure("api.example.com")
	}
	clock.Advance(61 * time.Second)
	table.RecordSuccess("api.example.com")

	assert.Equal(t, []string{
		"api.example.com:CLOSED->OPEN",
		"api.example.com:OPEN->CLOSED",
	}, transitions)
}
