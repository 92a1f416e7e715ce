// Copyright 2026 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the prometheus collectors for graph sync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	graphLabel     = "graph"
	directionLabel = "direction"

	Sent     = "sent"
	Received = "received"
)

// Sync counts what graph managers push and pull. A nil *Sync is valid and
// records nothing.
type Sync struct {
	updatesSent    *prometheus.CounterVec
	updatesApplied *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	syncLag        *prometheus.GaugeVec
	subscribed     prometheus.Gauge
}

// NewSync creates the collectors and registers them on |reg| if it is
// non-nil.
func NewSync(reg prometheus.Registerer, labels prometheus.Labels) (*Sync, error) {
	s := &Sync{
		updatesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "blobgraph_updates_sent",
			Help:        "Count of updates accepted by upstream",
			ConstLabels: labels,
		}, []string{graphLabel}),
		updatesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "blobgraph_updates_applied",
			Help:        "Count of updates from upstream applied locally",
			ConstLabels: labels,
		}, []string{graphLabel}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "blobgraph_update_bytes",
			Help:        "Bytes of blob and cache data moved, by direction",
			ConstLabels: labels,
		}, []string{graphLabel, directionLabel}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "blobgraph_send_failures",
			Help:        "Count of updates that could not be delivered after every retry",
			ConstLabels: labels,
		}, []string{graphLabel}),
		syncLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "blobgraph_sync_lag_bytes",
			Help:        "Committed bytes not yet acknowledged by upstream",
			ConstLabels: labels,
		}, []string{graphLabel}),
		subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "blobgraph_subscribed_graphs",
			Help:        "Number of graphs currently subscribed upstream",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		for _, c := range s.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Sync) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.updatesSent, s.updatesApplied, s.bytes, s.sendFailures, s.syncLag, s.subscribed}
}

func (s *Sync) UpdateSent(graph string, n int) {
	if s == nil {
		return
	}
	s.updatesSent.WithLabelValues(graph).Inc()
	s.bytes.WithLabelValues(graph, Sent).Add(float64(n))
}

func (s *Sync) UpdateApplied(graph string, n int) {
	if s == nil {
		return
	}
	s.updatesApplied.WithLabelValues(graph).Inc()
	s.bytes.WithLabelValues(graph, Received).Add(float64(n))
}

func (s *Sync) SendFailed(graph string) {
	if s == nil {
		return
	}
	s.sendFailures.WithLabelValues(graph).Inc()
}

// Lag sets how many committed bytes of |graph| upstream has yet to
// acknowledge.
func (s *Sync) Lag(graph string, n int) {
	if s == nil {
		return
	}
	s.syncLag.WithLabelValues(graph).Set(float64(n))
}

func (s *Sync) Subscribed(delta int) {
	if s == nil {
		return
	}
	s.subscribed.Add(float64(delta))
}

// Forget drops the series of a closed graph.
func (s *Sync) Forget(graph string) {
	if s == nil {
		return
	}
	s.updatesSent.DeleteLabelValues(graph)
	s.updatesApplied.DeleteLabelValues(graph)
	s.bytes.DeleteLabelValues(graph, Sent)
	s.bytes.DeleteLabelValues(graph, Received)
	s.sendFailures.DeleteLabelValues(graph)
	s.syncLag.DeleteLabelValues(graph)
}
