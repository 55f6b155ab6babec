// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry owns the process's Prometheus collectors. One
// Metrics instance is constructed at startup and handed to the
// components that report through it; nothing registers on the global
// default registry, so tests can build isolated instances.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the vault exports.
type Metrics struct {
	registry *prometheus.Registry

	importsTotal     *prometheus.CounterVec
	importBytesTotal prometheus.Counter
	linksCreated     *prometheus.CounterVec
	linkConflicts    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	schedulerWaiting prometheus.Gauge
}

// New builds and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		importsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelvault_imports_total",
			Help: "Completed import pipelines by result.",
		}, []string{"result"}),
		importBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelvault_import_bytes_total",
			Help: "Payload bytes committed by successful imports.",
		}),
		linksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelvault_links_created_total",
			Help: "Filesystem links created by the mapping engine, by kind.",
		}, []string{"kind"}),
		linkConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelvault_link_conflicts_total",
			Help: "Mapping conflicts encountered, by machine-readable reason.",
		}, []string{"reason"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelvault_breaker_state",
			Help: "Circuit breaker state per metadata domain: 0 closed, 1 open.",
		}, []string{"domain"}),
		schedulerWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelvault_scheduler_waiting",
			Help: "Operations currently waiting for a drive permit.",
		}),
	}
	m.registry.MustRegister(
		m.importsTotal, m.importBytesTotal,
		m.linksCreated, m.linkConflicts,
		m.breakerState, m.schedulerWaiting,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ImportFinished implements the importer's metrics hook.
func (m *Metrics) ImportFinished(result string, bytes int64) {
	m.importsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.importBytesTotal.Add(float64(bytes))
	}
}

// LinkCreated implements the mapping engine's metrics hook.
func (m *Metrics) LinkCreated(kind string) {
	m.linksCreated.WithLabelValues(kind).Inc()
}

// LinkConflict implements the mapping engine's metrics hook.
func (m *Metrics) LinkConflict(reason string) {
	m.linkConflicts.WithLabelValues(reason).Inc()
}

// BreakerStateChanged records a breaker transition; wire it to the
// breaker's OnStateChange callback.
func (m *Metrics) BreakerStateChanged(domain string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	m.breakerState.WithLabelValues(domain).Set(value)
}

// SchedulerWait feeds the waiting gauge; wire it to the scheduler's
// WaitHook.
func (m *Metrics) SchedulerWait(delta int) {
	m.schedulerWaiting.Add(float64(delta))
}
