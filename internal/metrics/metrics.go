// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the gc's Prometheus counters and gauges,
// named after the reference consumer's CloudWatch/Redis metric keys
// (centre|[dataserver|]metric_name) so existing dashboards keep working
// unmodified.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the pipeline updates. A single instance
// is created at startup and handed to the pipeline; nothing here touches an HTTP mux, since exposing /metrics is
// out of scope (spec.md Non-goals) — these collectors back whichever
// admin tooling scrapes the process's default registry.
//
// Downloaded, NoCache and IntegrityFailed are keyed by centre only, per
// the reference consumer's "|".join([msg_centre, metric_name]) keys;
// DownloadErrors, LastDownloadTime and StatusFlag are keyed by centre
// and dataserver, per "|".join([msg_centre, dataserver, metric_name]).
type Registry struct {
	Downloaded       *prometheus.CounterVec
	DownloadErrors   *prometheus.CounterVec
	IntegrityFailed  *prometheus.CounterVec
	NoCache          *prometheus.CounterVec
	LastDownloadTime *prometheus.GaugeVec
	StatusFlag       *prometheus.GaugeVec
	StageDuration    *prometheus.HistogramVec
}

// NewRegistry constructs and registers every collector against reg. Pass
// prometheus.DefaultRegisterer in production, or prometheus.NewRegistry()
// in tests to avoid collisions across parallel test binaries.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Downloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wmo_wis2_gc_downloaded_total",
			Help: "Count of notifications successfully downloaded and cached, by centre.",
		}, []string{"centre"}),
		DownloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wmo_wis2_gc_downloaded_errors_total",
			Help: "Count of notifications that failed somewhere in the cache pipeline, by centre and dataserver.",
		}, []string{"centre", "dataserver"}),
		IntegrityFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wmo_wis2_gc_integrity_failed_total",
			Help: "Count of downloaded objects that failed integrity verification, by centre.",
		}, []string{"centre"}),
		NoCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wmo_wis2_gc_no_cache_total",
			Help: "Count of notifications passed through without caching, by centre.",
		}, []string{"centre"}),
		LastDownloadTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wmo_wis2_gc_dataserver_last_download_timestamp_seconds",
			Help: "Unix timestamp of the most recent successful download, by centre and dataserver.",
		}, []string{"centre", "dataserver"}),
		StatusFlag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wmo_wis2_gc_dataserver_status_flag",
			Help: "1 if the most recent pipeline run for a centre/dataserver succeeded, 0 otherwise.",
		}, []string{"centre", "dataserver"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wmo_wis2_gc_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	reg.MustRegister(
		r.Downloaded,
		r.DownloadErrors,
		r.IntegrityFailed,
		r.NoCache,
		r.LastDownloadTime,
		r.StatusFlag,
		r.StageDuration,
	)
	return r
}

// RecordSuccess marks a centre/dataserver's pipeline run as cached
// successfully at epochSeconds.
func (r *Registry) RecordSuccess(centre, dataserver string, epochSeconds float64) {
	r.Downloaded.WithLabelValues(centre).Inc()
	r.LastDownloadTime.WithLabelValues(centre, dataserver).Set(epochSeconds)
	r.StatusFlag.WithLabelValues(centre, dataserver).Set(1)
}

// RecordPassthrough marks a centre's notification as forwarded without
// caching.
func (r *Registry) RecordPassthrough(centre string) {
	r.NoCache.WithLabelValues(centre).Inc()
}

// RecordIntegrityFailure increments the integrity-failed counter ahead
// of the pipeline re-raising the error as a FAILED disposition.
func (r *Registry) RecordIntegrityFailure(centre string) {
	r.IntegrityFailed.WithLabelValues(centre).Inc()
}

// RecordFailure marks a centre/dataserver's pipeline run as failed.
func (r *Registry) RecordFailure(centre, dataserver string) {
	r.DownloadErrors.WithLabelValues(centre, dataserver).Inc()
	r.StatusFlag.WithLabelValues(centre, dataserver).Set(0)
}
