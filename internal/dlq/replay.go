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

// Package dlq replays statements previously diverted to the dead-letter
// queue by the retry writer, appending "IF NOT EXISTS" to every
// statement so a replay that races a later write (or that runs twice)
// stays idempotent. A replayed update-bucket entry against a row that
// already exists is therefore a no-op.
package dlq

import (
	"context"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/CashmereBulldog/cql-replicator/internal/metrics"
	"github.com/CashmereBulldog/cql-replicator/internal/retry"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// Replayer re-executes DLQ objects under a tile's dlq/<op>/ folders
// against the target, removing each object once it applies cleanly.
type Replayer struct {
	Target types.TargetSession
	Store  types.ObjectStore
	Root   string // "<root>/<ks>/<tbl>"

	// Keyspace, Table, Tile, and Process label the replayer's metrics;
	// left blank they just produce an unlabeled series.
	Keyspace string
	Table    string
	Tile     int
	Process  string
}

// New returns a Replayer for root.
func New(target types.TargetSession, store types.ObjectStore, root string) *Replayer {
	return &Replayer{Target: target, Store: store, Root: root}
}

func (r *Replayer) labels(result string) prometheus.Labels {
	return prometheus.Labels{
		"ks": r.Keyspace, "tbl": r.Table, "tile": strconv.Itoa(r.Tile),
		"process": r.Process, "result": result,
	}
}

// Replay walks the dlq folder for every op under tile and attempts each
// logged statement once. A statement that still fails is left in place
// for the next invocation; Replay returns the first non-skip error only
// after attempting the remaining objects, so one bad entry doesn't block
// the rest of the backlog.
func (r *Replayer) Replay(ctx context.Context, tile int) error {
	var firstErr error
	for _, op := range []retry.Op{retry.OpInsert, retry.OpUpdate, retry.OpDelete} {
		prefix := dlqPrefix(r.Root, tile, op)
		keys, err := r.Store.List(ctx, prefix)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, key := range keys {
			if err := r.replayOne(ctx, key); err != nil {
				metrics.DLQReplays.With(r.labels("failure")).Inc()
				log.WithFields(log.Fields{"tile": tile, "op": op, "key": key}).
					WithError(err).Warn("dlq replay failed, leaving entry for next cycle")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			metrics.DLQReplays.With(r.labels("success")).Inc()
		}
	}
	return firstErr
}

func (r *Replayer) replayOne(ctx context.Context, key string) error {
	body, err := r.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	stmt := idempotent(string(body))
	if err := r.Target.Exec(ctx, stmt); err != nil {
		return err
	}
	return r.Store.Delete(ctx, key)
}

// idempotent appends "IF NOT EXISTS" to every DLQ statement, regardless
// of op, so a replay racing a later successful write, or a replay that
// runs twice, doesn't fail or double-apply. Update-bucketed entries are
// themselves "INSERT ... JSON" statements (the applier's delta/CDC
// update path reuses insertRow), so the guard applies to them exactly
// as well as to insert-bucketed entries; the accepted tradeoff is that
// a replayed update-bucket entry becomes a no-op against a row that
// already exists, rather than re-applying the update.
func idempotent(stmt string) string {
	trimmed := strings.TrimRight(stmt, "; \t\n")
	if strings.Contains(strings.ToUpper(trimmed), "IF NOT EXISTS") {
		return stmt
	}
	return trimmed + " IF NOT EXISTS"
}

func dlqPrefix(root string, tile int, op retry.Op) string {
	return root + "/dlq/" + strconv.Itoa(tile) + "/" + string(op) + "/"
}
