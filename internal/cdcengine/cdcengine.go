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

// Package cdcengine polls a source-side change-data-capture support
// table once backfill completes, stages the events it finds as one
// Parquet object per poll (dt and seq are columns of that object, not
// path partitions), and advances the ledger's CDC cursor.
package cdcengine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CashmereBulldog/cql-replicator/internal/ledger"
	"github.com/CashmereBulldog/cql-replicator/internal/metrics"
	"github.com/CashmereBulldog/cql-replicator/internal/stage"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// MaxScanRows bounds a single per-tile poll of the CDC support table.
const MaxScanRows = stage.MaxCdcScanRows

// Engine polls the source CDC support table for one (keyspace, table).
type Engine struct {
	Source types.SourceSession
	Store  types.ObjectStore
	Ledger *ledger.Ledger

	Keyspace     string
	Table        string
	Root         string
	SupportTable string
	PKColumns    []types.ColumnMeta
	Process      string // metrics label; "replication" in practice

	Clock types.Clock
}

func (e *Engine) clock() types.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return types.RealClock
}

// dtSeqOf returns the UTC date and hour-of-day for an epoch-millis
// timestamp, matching the CDC support table's own (dt, seq) partitioning.
func dtSeqOf(ts int64) (dt string, seq int) {
	t := time.UnixMilli(ts).UTC()
	return t.Format("2006-01-02"), t.Hour()
}

// scanEvents reads up to MaxScanRows events for tile from the source
// support table, unfiltered; PollOnce applies the cursor-relative time
// regime afterward.
func (e *Engine) scanEvents(ctx context.Context, tile int) ([]types.CdcEvent, error) {
	stmt := fmt.Sprintf("SELECT op, ts, dt, seq, %s FROM %s.%s WHERE key = ? AND tile = ?", pkColumnList(e.PKColumns), e.Keyspace, e.SupportTable)
	key := e.Keyspace + "." + e.Table
	rows, err := e.Source.Query(ctx, stmt, key, tile)
	if err != nil {
		return nil, errors.Wrap(err, "scanning cdc support table")
	}
	defer rows.Close()

	var out []types.CdcEvent
	for len(out) < MaxScanRows {
		var (
			op  string
			ts  int64
			dt  string
			seq int
		)
		values := make([]any, len(e.PKColumns))
		dest := make([]any, 4+len(values))
		dest[0], dest[1], dest[2], dest[3] = &op, &ts, &dt, &seq
		for i := range values {
			dest[4+i] = &values[i]
		}
		if !rows.Next(dest...) {
			break
		}
		out = append(out, types.CdcEvent{
			Op:  types.Op(op),
			PK:  types.PrimaryKey{Columns: e.PKColumns, Values: values},
			TS:  ts,
			Dt:  dt,
			Seq: seq,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "reading cdc support table")
	}
	return out, nil
}

func pkColumnList(cols []types.ColumnMeta) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c.Name
	}
	return out
}

// matchesRegime reports whether event ev should be picked up given the
// cursor state (curTs, curDt, curSeq) and nowSeq, the hour-of-day at
// the moment this poll started. The three regimes implement the
// spec's dt/seq-aware cursor comparison so that the poll doesn't miss
// events that land in an earlier hour bucket than "now" but a later
// one than the cursor.
func matchesRegime(ev types.CdcEvent, curTs int64, curDt string, curSeq, nowSeq int) bool {
	switch {
	case ev.Dt == curDt && ev.Seq == curSeq:
		return ev.TS > curTs
	case ev.Dt == curDt:
		return ev.Seq >= curSeq && ev.TS > curTs
	default:
		return ev.Dt >= curDt && ev.Seq >= min(nowSeq, curSeq)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// dedupeKey identifies an event by (op, pk, dt, seq) per the spec's
// dedup policy.
func dedupeKey(ev types.CdcEvent) string {
	parts := make([]string, len(ev.PK.Values))
	for i, v := range ev.PK.Values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	pk := ""
	for i, p := range parts {
		if i > 0 {
			pk += ":"
		}
		pk += p
	}
	return fmt.Sprintf("%s|%s|%s|%d", ev.Op, pk, ev.Dt, ev.Seq)
}

// PollOnce polls the support table for tile once. If max_ts is unset,
// every event found is staged and max_ts is initialized to its maximum
// timestamp. If max_ts is set, only events that pass the three-regime
// cursor filter relative to it are staged. A poll that finds nothing
// new is a no-op: no epoch folder or pointer is written, and max_ts is
// left untouched.
func (e *Engine) PollOnce(ctx context.Context, tile int) error {
	cdc, _, err := e.Ledger.GetCdc(ctx, e.Keyspace, e.Table, tile)
	if err != nil {
		return err
	}

	events, err := e.scanEvents(ctx, tile)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	var selected []types.CdcEvent
	if !cdc.MaxTsSet {
		selected = events
	} else {
		curDt, curSeq := dtSeqOf(cdc.MaxTs)
		_, nowSeq := dtSeqOf(e.clock()().UnixMilli())
		for _, ev := range events {
			if matchesRegime(ev, cdc.MaxTs, curDt, curSeq, nowSeq) {
				selected = append(selected, ev)
			}
		}
	}
	if len(selected) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(selected))
	var deduped []types.CdcEvent
	for _, ev := range selected {
		k := dedupeKey(ev)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		deduped = append(deduped, ev)
	}

	sort.Slice(deduped, func(i, j int) bool { return deduped[i].TS < deduped[j].TS })

	now := e.clock()()
	epoch := strconv.FormatInt(now.UnixMilli(), 10)
	eventsKey := fmt.Sprintf("%s/cdc/primaryKeys/%d/%s", e.Root, tile, epoch)
	if err := stage.WriteCdcEvents(ctx, e.Store, eventsKey, deduped); err != nil {
		return errors.Wrap(err, "staging cdc events")
	}

	maxTs := deduped[len(deduped)-1].TS
	if err := e.Ledger.AdvanceMaxTs(ctx, e.Keyspace, e.Table, tile, maxTs); err != nil {
		return errors.Wrap(err, "advancing max_ts")
	}
	lag := now.Sub(time.UnixMilli(maxTs)).Seconds()
	metrics.CDCCursorLag.With(prometheus.Labels{
		"ks": e.Keyspace, "tbl": e.Table, "tile": strconv.Itoa(tile), "process": e.Process,
	}).Set(lag)

	pointerKey := fmt.Sprintf("%s/cdc/pointers/%d/%s", e.Root, tile, epoch)
	return e.Store.Put(ctx, pointerKey, nil)
}
