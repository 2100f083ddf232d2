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

// Package discovery produces per-tile primary-key snapshots from the
// source, assigns rows to tiles by a stable hash, and drives the
// ledger's head/tail/swap state machine. It also exposes the
// insert/update/delete set computation the applier uses once both
// slots are present.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/ledger"
	"github.com/CashmereBulldog/cql-replicator/internal/stage"
	"github.com/CashmereBulldog/cql-replicator/internal/stats"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// TileSeed is the fixed xxhash64 seed used for tile assignment, shared
// by discovery and any external tooling that needs to predict a pk's
// tile without running the replicator.
const TileSeed = 42

// AssignTile hashes pk's values (in column order) and returns the tile
// index in [0, totalTiles). The hash input is the pk values joined with
// a separator byte unlikely to appear in rendered CQL values, seeded so
// that repeated runs (and out-of-process tooling) agree on tile
// assignment without coordination.
func AssignTile(pk types.PrimaryKey, totalTiles int) int {
	digest := xxhash.NewWithSeed(TileSeed)
	for i, v := range pk.Values {
		if i > 0 {
			digest.Write([]byte{0x1f})
		}
		fmt.Fprintf(digest, "%v", v)
	}
	h := digest.Sum64()
	return int(h % uint64(totalTiles))
}

// Engine produces per-tile snapshots and advances the ledger's
// discovery state machine for one (keyspace, table).
type Engine struct {
	Source types.SourceSession
	Store  types.ObjectStore
	Ledger *ledger.Ledger

	Keyspace string
	Table    string
	Root     string // "<root>/<ks>/<tbl>"

	PKColumns              []types.ColumnMeta
	WritetimeColumn        string // "" disables writetime tracking
	MaterializedView       string // optional view to project from instead of the base table
	TransformFilter        func(types.PrimaryKey) bool
	ReplicationPointInTime int64 // epoch millis; >0 filters to ts > pit && HasTS

	Clock types.Clock
}

func headKey(root string, tile int) string {
	return fmt.Sprintf("%s/primaryKeys/tile_%d.head", root, tile)
}

func tailKey(root string, tile int) string {
	return fmt.Sprintf("%s/primaryKeys/tile_%d.tail", root, tile)
}

// scanProjection reads the partitioning projection from the source:
// primary-key columns, and writetime(col) as ts when configured.
func (e *Engine) scanProjection(ctx context.Context) ([]stage.Row, error) {
	from := e.Table
	if e.MaterializedView != "" {
		from = e.MaterializedView
	}

	var cols []string
	for _, c := range e.PKColumns {
		cols = append(cols, c.Name)
	}
	selectList := strings.Join(cols, ", ")
	hasTS := e.WritetimeColumn != ""
	if hasTS {
		selectList += fmt.Sprintf(", writetime(%s) AS ts", e.WritetimeColumn)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s.%s", selectList, e.Keyspace, from)

	rows, err := e.Source.Query(ctx, stmt)
	if err != nil {
		return nil, errors.Wrap(err, "scanning source projection")
	}
	defer rows.Close()

	var out []stage.Row
	for {
		values := make([]any, len(e.PKColumns))
		dest := make([]any, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		var ts int64
		if hasTS {
			dest = append(dest, &ts)
		}
		if !rows.Next(dest...) {
			break
		}
		row := stage.Row{PK: types.PrimaryKey{Columns: e.PKColumns, Values: values}, TS: ts, HasTS: hasTS}
		if e.ReplicationPointInTime > 0 {
			if !hasTS || ts <= e.ReplicationPointInTime {
				continue
			}
		}
		if e.TransformFilter != nil && !e.TransformFilter(row.PK) {
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "reading source projection")
	}
	return out, nil
}

// rowsForTile filters rows down to the ones assigned to tile.
func rowsForTile(rows []stage.Row, tile, totalTiles int) []stage.Row {
	var out []stage.Row
	for _, r := range rows {
		if AssignTile(r.PK, totalTiles) == tile {
			out = append(out, r)
		}
	}
	return out
}

// Run advances the discovery state machine for one tile by one step:
// first round writes head, second writes tail, and once both slots are
// fully applied it swaps tail into head and stages a fresh tail. If CDC
// has taken over for this tile (backfill_completed), Run is a no-op —
// the orchestrator should route to the CDC engine instead.
func (e *Engine) Run(ctx context.Context, tile, totalTiles int) error {
	cdc, ok, err := e.Ledger.GetCdc(ctx, e.Keyspace, e.Table, tile)
	if err != nil {
		return err
	}
	if ok && cdc.BackfillCompleted {
		return nil
	}

	head, headOK, err := e.Ledger.ReadSlot(ctx, e.Keyspace, e.Table, tile, ledger.VerHead)
	if err != nil {
		return err
	}
	tail, tailOK, err := e.Ledger.ReadSlot(ctx, e.Keyspace, e.Table, tile, ledger.VerTail)
	if err != nil {
		return err
	}

	now := e.clock()()

	switch {
	case !headOK || head.OffloadStatus != ledger.StatusSuccess:
		rows, err := e.scanProjection(ctx)
		if err != nil {
			return err
		}
		tileRows := rowsForTile(rows, tile, totalTiles)
		if err := stage.WriteSnapshot(ctx, e.Store, headKey(e.Root, tile), tileRows, nil); err != nil {
			return errors.Wrap(err, "writing head snapshot")
		}
		stats.WriteDiscovery(ctx, e.Store, e.Root, tile, len(tileRows), e.clock())
		return e.Ledger.MarkOffloaded(ctx, e.Keyspace, e.Table, tile, ledger.VerHead, headKey(e.Root, tile), now)

	case head.LoadStatus != ledger.StatusSuccess:
		// Head has been offloaded but not yet applied; nothing more for
		// discovery to do this cycle until the applier catches up.
		return nil

	case !tailOK || tail.OffloadStatus != ledger.StatusSuccess:
		rows, err := e.scanProjection(ctx)
		if err != nil {
			return err
		}
		tileRows := rowsForTile(rows, tile, totalTiles)
		if err := stage.WriteSnapshot(ctx, e.Store, tailKey(e.Root, tile), tileRows, nil); err != nil {
			return errors.Wrap(err, "writing tail snapshot")
		}
		stats.WriteDiscovery(ctx, e.Store, e.Root, tile, len(tileRows), e.clock())
		return e.Ledger.MarkOffloaded(ctx, e.Keyspace, e.Table, tile, ledger.VerTail, tailKey(e.Root, tile), now)

	case tail.LoadStatus != ledger.StatusSuccess:
		// Tail staged but not yet applied; wait for the applier.
		return nil

	default:
		// Both slots SUCCESS/SUCCESS: swap. The previous tail becomes the
		// new head, and a freshly scanned snapshot becomes the new tail.
		tailBody, err := e.Store.Get(ctx, tailKey(e.Root, tile))
		if err != nil {
			return errors.Wrap(err, "reading tail for swap")
		}
		if err := e.Store.Put(ctx, headKey(e.Root, tile), tailBody); err != nil {
			return errors.Wrap(err, "promoting tail body to head")
		}

		rows, err := e.scanProjection(ctx)
		if err != nil {
			return err
		}
		tileRows := rowsForTile(rows, tile, totalTiles)
		if err := stage.WriteSnapshot(ctx, e.Store, tailKey(e.Root, tile), tileRows, nil); err != nil {
			return errors.Wrap(err, "writing new tail snapshot")
		}
		stats.WriteDiscovery(ctx, e.Store, e.Root, tile, len(tileRows), e.clock())
		return e.Ledger.SwapSlots(ctx, e.Keyspace, e.Table, tile, tailKey(e.Root, tile), now)
	}
}

func (e *Engine) clock() types.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return types.RealClock
}

// pkKey renders pk's values into a stable string for set membership and
// joins; it's a comparison key only, never sent to the target.
func pkKey(pk types.PrimaryKey) string {
	parts := make([]string, len(pk.Values))
	for i, v := range pk.Values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

// ComputeInserts returns rows present in tail but absent from head
// (tail \ head by primary key).
func ComputeInserts(head, tail []stage.Row) []stage.Row {
	seen := make(map[string]struct{}, len(head))
	for _, r := range head {
		seen[pkKey(r.PK)] = struct{}{}
	}
	var out []stage.Row
	for _, r := range tail {
		if _, ok := seen[pkKey(r.PK)]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// ComputeDeletes returns rows present in head but absent from tail
// (head \ tail by primary key).
func ComputeDeletes(head, tail []stage.Row) []stage.Row {
	seen := make(map[string]struct{}, len(tail))
	for _, r := range tail {
		seen[pkKey(r.PK)] = struct{}{}
	}
	var out []stage.Row
	for _, r := range head {
		if _, ok := seen[pkKey(r.PK)]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// ComputeUpdates returns tail rows whose writetime is strictly greater
// than the corresponding head row's, for primary keys present in both.
// If no writetime column is configured (neither side has HasTS), no
// updates are generated; re-appearance of an existing key is instead
// covered by ComputeInserts/ComputeDeletes relative to a prior cycle.
func ComputeUpdates(head, tail []stage.Row) []stage.Row {
	headByKey := make(map[string]stage.Row, len(head))
	for _, r := range head {
		headByKey[pkKey(r.PK)] = r
	}
	var out []stage.Row
	for _, t := range tail {
		h, ok := headByKey[pkKey(t.PK)]
		if !ok || !t.HasTS || !h.HasTS {
			continue
		}
		if t.TS > h.TS {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}
