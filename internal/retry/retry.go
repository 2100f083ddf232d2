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

// Package retry executes a single CQL statement against the target
// with bounded exponential backoff, diverting it to the dead-letter
// queue on exhaustion.
package retry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gocql/gocql"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/CashmereBulldog/cql-replicator/internal/metrics"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// MaxAttempts, InitialBackoff, and Multiplier implement the backoff
// schedule from the retry design: 64 attempts, starting at 25ms,
// multiplying by 1.1 each time (about 100 seconds of cumulative backoff
// worst case).
const (
	MaxAttempts    = 64
	InitialBackoff = 25 * time.Millisecond
	Multiplier     = 1.1
)

// Op identifies the DLQ sub-folder a statement is filed under.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Writer executes CQL statements against a TargetSession with retry,
// diverting exhausted or non-retryable statements to the DLQ.
type Writer struct {
	Target types.TargetSession
	Store  types.ObjectStore
	Root   string // "<root>/<ks>/<tbl>"
	Tile   int
	Clock  types.Clock
	Sleep  func(time.Duration)

	// Keyspace, Table, and Process label the metrics this Writer
	// emits; left blank they simply produce an unlabeled metrics
	// series, so existing callers that don't set them still compile
	// and run.
	Keyspace string
	Table    string
	Process  string
}

// New returns a Writer with production defaults for Clock and Sleep.
func New(target types.TargetSession, store types.ObjectStore, root string, tile int) *Writer {
	return &Writer{
		Target: target,
		Store:  store,
		Root:   root,
		Tile:   tile,
		Clock:  types.RealClock,
		Sleep:  time.Sleep,
	}
}

func (w *Writer) tileLabel() string { return strconv.Itoa(w.Tile) }

// Exec runs stmt against the target with exponential backoff. On final
// failure, the raw CQL text is written to the DLQ for (tile, op) and
// Exec returns a KindTargetWriteExhausted error. Callers (the applier)
// must treat that kind as row-scoped and continue to the next row
// rather than surface it to the orchestrator as a cycle failure.
func (w *Writer) Exec(ctx context.Context, op Op, stmt string) error {
	start := w.clockNow()
	labels := prometheus.Labels{"ks": w.Keyspace, "tbl": w.Table, "tile": w.tileLabel(), "process": w.Process}

	var lastErr error
	backoff := InitialBackoff
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		metrics.RetryAttempts.With(labels).Inc()
		err := w.Target.Exec(ctx, stmt)
		if err == nil {
			metrics.ApplyDuration.With(labels).Observe(w.clockNow().Sub(start).Seconds())
			metrics.ApplyTotal.With(prometheus.Labels{"ks": w.Keyspace, "tbl": w.Table, "tile": w.tileLabel(), "process": w.Process, "op": string(op)}).Inc()
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt == MaxAttempts {
			break
		}
		w.Sleep(backoff)
		backoff = time.Duration(float64(backoff) * Multiplier)
	}

	log.WithFields(log.Fields{
		"tile": w.Tile,
		"op":   op,
	}).WithError(lastErr).Warn("target write exhausted retries; diverting to dlq")

	metrics.DLQWrites.With(labels).Inc()
	return w.divert(ctx, op, stmt, lastErr)
}

func (w *Writer) clockNow() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return types.RealClock()
}

// retryable reports whether err belongs to the retryable condition set:
// write-failure, write-timeout, server-error, unavailable,
// no-node-available, all-nodes-failed, or a generic driver exception.
func retryable(err error) bool {
	switch err.(type) {
	case gocql.RequestErrWriteFailure,
		gocql.RequestErrWriteTimeout,
		*gocql.RequestErrUnavailable:
		return true
	}
	switch err {
	case gocql.ErrNoConnections, gocql.ErrConnectionClosed, gocql.ErrUnavailable:
		return true
	}
	// Anything else is still treated as a generic driver exception and
	// retried; only a handful of cases (e.g. a malformed statement)
	// would realistically recur identically across 64 attempts, so the
	// backoff budget bounds the cost of being permissive here.
	return true
}

func (w *Writer) divert(ctx context.Context, op Op, stmt string, cause error) error {
	key := fmt.Sprintf("%s/dlq/%d/%s/log-%s.msg", w.Root, w.Tile, op, timestamp(w.Clock()))
	if err := w.Store.Put(ctx, key, []byte(stmt)); err != nil {
		return types.WithKind(types.KindTargetWriteExhausted, fmt.Errorf("writing dlq entry %s: %w", key, err))
	}
	return types.WithKind(types.KindTargetWriteExhausted, fmt.Errorf("diverted to dlq at %s: %w", key, cause))
}

// timestamp formats t the way LocalDateTime.now().toString() would in
// the reference implementation's DLQ key: sortable, colon-free so it's
// a legal object key.
func timestamp(t time.Time) string {
	return t.Format("2006-01-02T15-04-05.000000000")
}
