// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

// Package metrics provides Prometheus instrumentation for the passkey
// service: ceremony counters and durations, token issuance, and HTTP
// request metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all passkey metrics.
	Namespace = "passkey"

	// Label names
	LabelCeremony   = "ceremony"
	LabelStatus     = "status"
	LabelMethod     = "method"
	LabelPath       = "path"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusFailure = "failure"

	// Ceremony names
	CeremonyDiscoveryLogin = "discovery_login"
	CeremonyLogin          = "login"
	CeremonyRegistration   = "registration"
	CeremonyRecovery       = "recovery_registration"
	CeremonyAddCredential  = "add_credential"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// SetEnabled toggles metric recording at runtime.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// IsEnabled reports whether metric recording is active.
func IsEnabled() bool {
	return enabled.Load()
}

var (
	// CeremoniesTotal counts completed ceremony finish operations by
	// ceremony kind and outcome.
	CeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ceremonies_total",
			Help:      "Total number of completed ceremonies by kind and status",
		},
		[]string{LabelCeremony, LabelStatus},
	)

	// CeremonyDuration tracks finish-operation latency by ceremony kind.
	CeremonyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "ceremony_duration_seconds",
			Help:      "Duration of ceremony finish operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{LabelCeremony},
	)

	// TokensIssuedTotal counts session tokens minted after successful
	// ceremonies.
	TokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tokens_issued_total",
			Help:      "Total number of session tokens issued",
		},
	)

	// ChallengesSweptTotal counts expired challenges removed by the sweep.
	ChallengesSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "challenges_swept_total",
			Help:      "Total number of expired challenges removed",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and
	// status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{LabelMethod, LabelPath, LabelStatusCode},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{LabelMethod, LabelPath},
	)
)

// RecordCeremony records a completed ceremony finish operation.
func RecordCeremony(ceremony, status string, seconds float64) {
	if !IsEnabled() {
		return
	}
	CeremoniesTotal.WithLabelValues(ceremony, status).Inc()
	CeremonyDuration.WithLabelValues(ceremony).Observe(seconds)
}

// RecordTokenIssued records a minted session token.
func RecordTokenIssued() {
	if !IsEnabled() {
		return
	}
	TokensIssuedTotal.Inc()
}

// RecordChallengesSwept records expired challenges removed by a sweep pass.
func RecordChallengesSwept(n int) {
	if !IsEnabled() || n <= 0 {
		return
	}
	ChallengesSweptTotal.Add(float64(n))
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path, statusCode string, seconds float64) {
	if !IsEnabled() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
