// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enrich is the network-resilience layer for optional
// metadata enrichment.
//
// Every outbound lookup is wrapped in a per-domain circuit breaker
// and a hard timeout. The layer never blocks core operations beyond
// that timeout, and both a rejected call and a timed-out call surface
// as ErrUnavailable: a distinguishable "use cached data" signal, not
// a generic error the caller would show the user.
//
// The client additionally inspects rate-limit response headers and
// proactively throttles when the remaining quota drops below 10%,
// so a batch import does not burn the whole quota and trip the
// remote's limiter.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when the metadata service cannot be
// consulted right now: breaker open, timeout, transport failure, or
// throttle wait exceeded. Callers must treat it as "no answer, use
// cached data", never as a user-facing failure.
var ErrUnavailable = errors.New("metadata service unavailable")

// MatchMethod is how a candidate was matched by the remote service.
type MatchMethod string

const (
	MatchByHash      MatchMethod = "hash"
	MatchByExactName MatchMethod = "exact-name"
	MatchByFuzzyName MatchMethod = "fuzzy-name"
)

// LookupRequest asks for candidates by filename and/or content hash.
type LookupRequest struct {
	// Filename is the original filename, optional.
	Filename string

	// Hash is a content hash (fast or cryptographic), optional.
	// At least one of Filename and Hash must be set.
	Hash string
}

// Candidate is one metadata record the remote service proposes.
type Candidate struct {
	// DisplayName is the human-facing model name.
	DisplayName string `json:"display_name"`

	// Tags are descriptive labels.
	Tags []string `json:"tags"`

	// Description is free text.
	Description string `json:"description"`

	// Confidence is the match confidence in [0,1]. Hash matches
	// report 1.0.
	Confidence float64 `json:"confidence"`

	// Method is how the candidate was matched.
	Method MatchMethod `json:"match_method"`
}

// ClientConfig configures the enrichment client.
type ClientConfig struct {
	// BaseURL is the metadata service root, e.g.
	// "https://meta.example.com". Required.
	BaseURL string

	// Timeout is the hard per-call bound. A timeout counts as a
	// breaker failure. Default: 7 seconds.
	Timeout time.Duration

	// Breaker configures the per-domain circuit breakers.
	Breaker BreakerConfig

	// ThrottleThreshold is the remaining-quota fraction below which
	// the client starts throttling. Default: 0.10.
	ThrottleThreshold float64

	// ThrottledRate is the request rate while throttled.
	// Default: one request per 2 seconds.
	ThrottledRate rate.Limit

	// HTTPClient overrides the transport. Default: http.Client with
	// the configured timeout.
	HTTPClient *http.Client

	// Logger for enrichment events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Client performs breaker-wrapped metadata lookups.
//
// Thread Safety: Safe for concurrent use. All mutable state (breaker
// table, per-domain limiters) is owned by the Client instance, not
// package globals, so tests construct isolated clients per case.
type Client struct {
	baseURL  *url.URL
	timeout  time.Duration
	breakers *BreakerTable
	http     *http.Client
	logger   *slog.Logger

	threshold float64
	slowRate  rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a Client from config.
func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("enrich: invalid base URL %q", config.BaseURL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 7 * time.Second
	}
	if config.ThrottleThreshold <= 0 {
		config.ThrottleThreshold = 0.10
	}
	if config.ThrottledRate <= 0 {
		config.ThrottledRate = rate.Every(2 * time.Second)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:   base,
		timeout:   config.Timeout,
		breakers:  NewBreakerTable(config.Breaker),
		http:      httpClient,
		logger:    logger.With(slog.String("component", "enrich")),
		threshold: config.ThrottleThreshold,
		slowRate:  config.ThrottledRate,
		limiters:  make(map[string]*rate.Limiter),
	}, nil
}

// BreakerState exposes the breaker state of the client's domain,
// mainly for telemetry.
func (c *Client) BreakerState() CircuitState {
	return c.breakers.State(c.baseURL.Host)
}

// Lookup queries the metadata service for candidates.
//
// Description:
//
//	Applies, in order: the proactive throttle (if armed), the
//	circuit breaker, and the hard timeout. Any transport failure,
//	non-2xx status, or timeout records a breaker failure and
//	surfaces as ErrUnavailable. An empty candidate list is a valid
//	"no match" answer, not an error.
//
// Inputs:
//   - ctx: Caller context; combined with the hard timeout.
//   - req: Filename and/or hash to look up.
//
// Outputs:
//   - []Candidate: Zero or more candidates, best first.
//   - error: ErrUnavailable (wrapped) when the service cannot answer;
//     a plain error for caller mistakes (empty request).
func (c *Client) Lookup(ctx context.Context, req LookupRequest) ([]Candidate, error) {
	if req.Filename == "" && req.Hash == "" {
		return nil, errors.New("enrich: lookup needs a filename or a hash")
	}
	domain := c.baseURL.Host

	if err := c.waitThrottle(ctx, domain); err != nil {
		return nil, fmt.Errorf("%w: throttled: %v", ErrUnavailable, err)
	}

	if !c.breakers.Allow(domain) {
		c.logger.Debug("lookup rejected by open breaker", "domain", domain)
		return nil, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, domain)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	candidates, err := c.doLookup(callCtx, req)
	if err != nil {
		c.breakers.RecordFailure(domain)
		c.logger.Warn("metadata lookup failed", "domain", domain, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.breakers.RecordSuccess(domain)
	return candidates, nil
}

// doLookup performs the HTTP exchange and header inspection.
func (c *Client) doLookup(ctx context.Context, req LookupRequest) ([]Candidate, error) {
	u := *c.baseURL
	u.Path = "/v1/lookup"
	q := u.Query()
	if req.Filename != "" {
		q.Set("filename", req.Filename)
	}
	if req.Hash != "" {
		q.Set("hash", req.Hash)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	c.inspectRateLimit(c.baseURL.Host, resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var payload struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return payload.Candidates, nil
}

// inspectRateLimit arms or disarms the per-domain throttle from
// standard rate-limit headers, when present.
func (c *Client) inspectRateLimit(domain string, headers http.Header) {
	remaining, err1 := strconv.ParseFloat(headers.Get("X-RateLimit-Remaining"), 64)
	limit, err2 := strconv.ParseFloat(headers.Get("X-RateLimit-Limit"), 64)
	if err1 != nil || err2 != nil || limit <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fraction := remaining / limit
	if fraction < c.threshold {
		if _, ok := c.limiters[domain]; !ok {
			c.logger.Info("rate-limit quota low, throttling",
				"domain", domain, "remaining_fraction", fraction)
		}
		c.limiters[domain] = rate.NewLimiter(c.slowRate, 1)
	} else {
		if _, ok := c.limiters[domain]; ok {
			c.logger.Info("rate-limit quota recovered", "domain", domain)
		}
		delete(c.limiters, domain)
	}
}

// waitThrottle blocks on the throttle limiter when one is armed.
func (c *Client) waitThrottle(ctx context.Context, domain string) error {
	c.mu.Lock()
	limiter := c.limiters[domain]
	c.mu.Unlock()
	if limiter == nil {
		return nil
	}
	// Bound the wait by the call timeout: enrichment must never stall
	// an import longer than a regular slow call would.
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return limiter.Wait(waitCtx)
}
