// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the replicator's Prometheus instruments
// once per process and exposes the label set every layer fills in.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets covers sub-millisecond to multi-minute CQL/object-store
// round trips.
var LatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// TileLabels is the label set every metric below is keyed by: a tile
// process replicates exactly one (ks, tbl, tile) under one process_type.
var TileLabels = []string{"ks", "tbl", "tile", "process"}

var (
	// ApplyDuration times one statement execution against the target,
	// from Writer.Exec's first attempt to its success; statements that
	// exhaust their retries are not observed.
	ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replicator_apply_duration_seconds",
		Help:    "time to apply one statement to the target, including retries",
		Buckets: LatencyBuckets,
	}, TileLabels)

	// ApplyTotal counts successful applies, labeled additionally by op.
	ApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_apply_total",
		Help: "successful applies by operation",
	}, append(append([]string{}, TileLabels...), "op"))

	// RetryAttempts counts every attempt the retry writer makes,
	// including the first.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_retry_attempts_total",
		Help: "attempts made by the retry writer, including the first",
	}, TileLabels)

	// DLQWrites counts statements diverted to the dead-letter queue.
	DLQWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_dlq_writes_total",
		Help: "statements diverted to the dlq after exhausting retries",
	}, TileLabels)

	// DLQReplays counts replay attempts, labeled by outcome.
	DLQReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_dlq_replays_total",
		Help: "dlq replay attempts by result",
	}, append(append([]string{}, TileLabels...), "result"))

	// CDCCursorLag gauges now - max_ts for a tile's CDC cursor.
	CDCCursorLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replicator_cdc_cursor_lag_seconds",
		Help: "seconds between now and the cdc cursor's max_ts",
	}, TileLabels)
)
