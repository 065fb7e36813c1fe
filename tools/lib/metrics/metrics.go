// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics counts IAS requests made by tools and writes them in the Prometheus text
// format for collection by a node exporter.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/go-sgx-ias/ias"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ias"

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeServiceErr  = "service_error"
	OutcomeUnreachable = "unreachable"
	OutcomeError       = "error"
)

// Metrics holds the counters of one tool invocation.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	reports  *prometheus.CounterVec
}

// New returns metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "IAS API calls by operation and outcome.",
		}, []string{"operation", "outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of IAS API calls, including report verification.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"operation"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Received IAS reports by quote status and whether they were trusted.",
		}, []string{"status", "trusted"}),
	}
	m.registry.MustRegister(m.requests, m.duration, m.reports)
	return m
}

func outcome(err error) (string, string) {
	if err == nil {
		return OutcomeOK, "200"
	}
	var serr *ias.ServiceError
	if errors.As(err, &serr) {
		if serr.StatusCode == 0 {
			return OutcomeUnreachable, ""
		}
		return OutcomeServiceErr, strconv.Itoa(serr.StatusCode)
	}
	return OutcomeError, ""
}

// ObserveRequest records one call of operation that started at start and ended with err.
func (m *Metrics) ObserveRequest(operation string, start time.Time, err error) {
	o, code := outcome(err)
	m.requests.WithLabelValues(operation, o, code).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveReport records a received report.
func (m *Metrics) ObserveReport(status string, trusted bool) {
	m.reports.WithLabelValues(status, strconv.FormatBool(trusted)).Inc()
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile atomically writes the metrics to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
