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

// Package applier fetches rows from the source and writes them to the
// target for the three modes the ledger drives: backfill (insert-only),
// delta (insert/update/delete between head and tail), and CDC
// (insert/update/delete from a staged, ordered event batch).
package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/codec"
	"github.com/CashmereBulldog/cql-replicator/internal/discovery"
	"github.com/CashmereBulldog/cql-replicator/internal/ledger"
	"github.com/CashmereBulldog/cql-replicator/internal/retry"
	"github.com/CashmereBulldog/cql-replicator/internal/stage"
	"github.com/CashmereBulldog/cql-replicator/internal/stats"
	"github.com/CashmereBulldog/cql-replicator/internal/transform"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// TokenFunc computes a partitioner token for a primary key. The
// applier doesn't know which partitioner the target cluster uses; the
// caller supplies this (typically backed by the CQL driver's own
// token-aware routing) when a token-range filter is configured.
type TokenFunc func(types.PrimaryKey) int64

// TokenRange is a half-open (Lo, Hi] partitioner range; a row is kept
// iff its token falls in this range.
type TokenRange struct {
	Lo, Hi int64
}

func (r TokenRange) contains(tok int64) bool { return tok > r.Lo && tok <= r.Hi }

// Config parametrizes one table's apply behavior.
type Config struct {
	Keyspace string
	Table    string
	Root     string

	PKColumns    []types.ColumnMeta
	ValueColumns []types.ColumnMeta // non-pk columns fetched from the source

	WritetimeColumn string // "" disables writetime-based update detection
	TTLColumn       string // "" disables TTL passthrough

	TokenRange *TokenRange
	TokenOf    TokenFunc

	CustomSerializer bool // field-by-field fetch instead of SELECT JSON
	Shuffle          bool
	Rand             *rand.Rand
}

// Applier executes the fetch-transform-write pipeline against Source
// and Target for one table.
type Applier struct {
	Source    types.SourceSession
	Store     types.ObjectStore
	Ledger    *ledger.Ledger
	Writer    *retry.Writer
	Transform *transform.Transformer
	Cfg       Config
	Clock     types.Clock
}

func (a *Applier) clock() types.Clock {
	if a.Clock != nil {
		return a.Clock
	}
	return types.RealClock
}

// blobColumns names the configured value columns typed as blob, so the
// JSON-decoded fetch path can normalize Cassandra's occasional
// empty-string rendering of a zero-length blob back to "0x".
func (a *Applier) blobColumns() map[string]bool {
	cols := make(map[string]bool, len(a.Cfg.ValueColumns))
	for _, c := range a.Cfg.ValueColumns {
		if c.Kind == types.KindBlob {
			cols[c.Name] = true
		}
	}
	return cols
}

func (a *Applier) buildWhere(pk types.PrimaryKey) (string, error) {
	var clauses []string
	for i, col := range pk.Columns {
		rendered, err := codec.Render(col, pk.Values[i])
		if err != nil {
			return "", errors.Wrapf(err, "rendering pk column %s", col.Name)
		}
		clauses = append(clauses, fmt.Sprintf("%s = %s", col.Name, rendered))
	}
	return strings.Join(clauses, " AND "), nil
}

// fetchRow reads one row from the source by primary key. ok is false
// (with a nil error) when the row is absent — the row-fetch fallback
// for a concurrent deletion between snapshot and apply.
func (a *Applier) fetchRow(ctx context.Context, pk types.PrimaryKey) (payload map[string]any, ttl *int, ok bool, err error) {
	wc, err := a.buildWhere(pk)
	if err != nil {
		return nil, nil, false, err
	}

	if a.Cfg.CustomSerializer {
		return a.fetchRowFieldByField(ctx, wc)
	}

	cols := make([]string, 0, len(a.Cfg.ValueColumns))
	for _, c := range a.Cfg.ValueColumns {
		cols = append(cols, c.Name)
	}
	selectList := strings.Join(cols, ", ")
	if selectList == "" {
		selectList = "*"
	}
	extra := ""
	if a.Cfg.TTLColumn != "" {
		extra += fmt.Sprintf(", ttl(%s) AS ttl_value", a.Cfg.TTLColumn)
	}
	stmt := fmt.Sprintf("SELECT JSON %s%s FROM %s.%s WHERE %s", selectList, extra, a.Cfg.Keyspace, a.Cfg.Table, wc)

	rows, err := a.Source.Query(ctx, stmt)
	if err != nil {
		return nil, nil, false, errors.Wrap(err, "fetching source row")
	}
	defer rows.Close()

	var raw string
	if !rows.Next(&raw) {
		return nil, nil, false, rows.Err()
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, nil, false, errors.Wrap(err, "decoding source row JSON")
	}
	codec.EmptyBlobToCanonical(decoded, a.blobColumns())
	if a.Cfg.TTLColumn != "" {
		if v, ok := decoded["ttl_value"]; ok {
			delete(decoded, "ttl_value")
			if f, ok := v.(float64); ok {
				t := int(f)
				ttl = &t
			}
		}
	}
	return decoded, ttl, true, nil
}

// fetchRowFieldByField serializes the row column-by-column using the
// same type map as the value codec, for sources whose SELECT JSON
// representation is lossy for the configured column types (e.g. blob
// or decimal columns rendered in a form the target can't re-parse).
func (a *Applier) fetchRowFieldByField(ctx context.Context, wc string) (map[string]any, *int, bool, error) {
	cols := append([]types.ColumnMeta{}, a.Cfg.ValueColumns...)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	extra := ""
	if a.Cfg.TTLColumn != "" {
		extra = fmt.Sprintf(", ttl(%s)", a.Cfg.TTLColumn)
	}
	stmt := fmt.Sprintf("SELECT %s%s FROM %s.%s WHERE %s", strings.Join(names, ", "), extra, a.Cfg.Keyspace, a.Cfg.Table, wc)

	rows, err := a.Source.Query(ctx, stmt)
	if err != nil {
		return nil, nil, false, errors.Wrap(err, "fetching source row")
	}
	defer rows.Close()

	values := make([]any, len(cols))
	dest := make([]any, len(values))
	for i := range values {
		dest[i] = &values[i]
	}
	var ttlRaw int
	if a.Cfg.TTLColumn != "" {
		dest = append(dest, &ttlRaw)
	}
	if !rows.Next(dest...) {
		return nil, nil, false, rows.Err()
	}

	payload := make(map[string]any, len(cols))
	for i, c := range cols {
		payload[c.Name] = canonicalValue(c, values[i])
	}
	var ttl *int
	if a.Cfg.TTLColumn != "" {
		ttl = &ttlRaw
	}
	return payload, ttl, true, nil
}

// canonicalValue renders v into the JSON-safe shape the same type tag
// would take through the value codec: blobs as "0x"-prefixed hex,
// everything else passed through as the driver returned it.
func canonicalValue(col types.ColumnMeta, v any) any {
	if col.Kind != types.KindBlob {
		return v
	}
	b, _ := v.([]byte)
	rendered, err := codec.Render(col, b)
	if err != nil {
		return v
	}
	return rendered
}

func mergePK(payload map[string]any, pk types.PrimaryKey) map[string]any {
	out := make(map[string]any, len(payload)+len(pk.Columns))
	for k, v := range payload {
		out[k] = v
	}
	for i, c := range pk.Columns {
		out[c.Name] = pk.Values[i]
	}
	return out
}

func (a *Applier) insertRow(ctx context.Context, pk types.PrimaryKey) error {
	payload, ttl, ok, err := a.fetchRow(ctx, pk)
	if err != nil {
		return err
	}
	if !ok {
		return nil // row-fetch fallback: concurrently deleted, skip silently
	}
	payload = mergePK(payload, pk)

	wc, err := a.buildWhere(pk)
	if err != nil {
		return err
	}
	transformed, err := a.Transform.Apply(ctx, payload, wc)
	if err != nil {
		return err
	}

	body, err := json.Marshal(transformed)
	if err != nil {
		return errors.Wrap(err, "marshaling insert payload")
	}
	escaped := strings.ReplaceAll(string(body), "'", "''")

	ttlClause := ""
	if ttl != nil {
		ttlClause = fmt.Sprintf(" USING TTL %d", *ttl)
	}
	stmt := fmt.Sprintf("INSERT INTO %s.%s JSON '%s'%s", a.Cfg.Keyspace, a.Cfg.Table, escaped, ttlClause)
	return a.Writer.Exec(ctx, retry.OpInsert, stmt)
}

func (a *Applier) deleteRow(ctx context.Context, pk types.PrimaryKey) error {
	wc, err := a.buildWhere(pk)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s.%s WHERE %s", a.Cfg.Keyspace, a.Cfg.Table, wc)
	return a.Writer.Exec(ctx, retry.OpDelete, stmt)
}

func (a *Applier) inTokenRange(pk types.PrimaryKey) bool {
	if a.Cfg.TokenRange == nil || a.Cfg.TokenOf == nil {
		return true
	}
	return a.Cfg.TokenRange.contains(a.Cfg.TokenOf(pk))
}

func (a *Applier) shuffled(rows []stage.Row) []stage.Row {
	if !a.Cfg.Shuffle {
		return rows
	}
	out := append([]stage.Row{}, rows...)
	r := a.Cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// BackfillApply treats tile's head snapshot as an insert-only batch: it
// fetches, transforms, and inserts every row, honoring the token-range
// filter when configured. Rows are shuffled into apply order first to
// spread hot partitions across target endpoints.
func (a *Applier) BackfillApply(ctx context.Context, tile int) error {
	key := fmt.Sprintf("%s/primaryKeys/tile_%d.head", a.Cfg.Root, tile)
	rows, err := stage.ReadSnapshot(ctx, a.Store, key, a.Cfg.PKColumns)
	if err != nil {
		return errors.Wrap(err, "reading head snapshot for backfill")
	}

	for _, row := range a.shuffled(rows) {
		if !a.inTokenRange(row.PK) {
			continue
		}
		if err := a.insertRow(ctx, row.PK); err != nil {
			if _, isKind := types.KindOf(err); isKind {
				continue // kind-tagged failure (DLQ diversion, transform or codec error): skip the row
			}
			return err
		}
	}
	return nil
}

// DeltaApply computes inserts/updates/deletes between tile's head and
// tail snapshots and applies them (inserts and updates via the same
// insert-JSON path, deletes last so a delete-then-reinsert within one
// cycle doesn't leave the target row missing). On completion it marks
// both slots load_status=SUCCESS.
func (a *Applier) DeltaApply(ctx context.Context, tile int) error {
	headKey := fmt.Sprintf("%s/primaryKeys/tile_%d.head", a.Cfg.Root, tile)
	tailKey := fmt.Sprintf("%s/primaryKeys/tile_%d.tail", a.Cfg.Root, tile)

	head, err := stage.ReadSnapshot(ctx, a.Store, headKey, a.Cfg.PKColumns)
	if err != nil {
		return errors.Wrap(err, "reading head snapshot for delta")
	}
	tail, err := stage.ReadSnapshot(ctx, a.Store, tailKey, a.Cfg.PKColumns)
	if err != nil {
		return errors.Wrap(err, "reading tail snapshot for delta")
	}

	inserts := discovery.ComputeInserts(head, tail)
	updates := discovery.ComputeUpdates(head, tail)
	deletes := discovery.ComputeDeletes(head, tail)

	insertedCount := 0
	for _, row := range a.shuffled(inserts) {
		if err := a.insertRow(ctx, row.PK); err != nil {
			if _, isKind := types.KindOf(err); isKind {
				continue
			}
			return err
		}
		insertedCount++
	}
	updatedCount := 0
	for _, row := range a.shuffled(updates) {
		if err := a.insertRow(ctx, row.PK); err != nil {
			if _, isKind := types.KindOf(err); isKind {
				continue
			}
			return err
		}
		updatedCount++
	}
	deletedCount := 0
	for _, row := range a.shuffled(deletes) {
		if err := a.deleteRow(ctx, row.PK); err != nil {
			if _, isKind := types.KindOf(err); isKind {
				continue
			}
			return err
		}
		deletedCount++
	}

	now := a.clock()()
	if !(insertedCount != 0 && updatedCount != 0 && deletedCount != 0) {
		stats.WriteReplication(ctx, a.Store, a.Cfg.Root, tile, insertedCount, updatedCount, deletedCount, a.clock())
	}
	if err := a.Ledger.MarkLoaded(ctx, a.Cfg.Keyspace, a.Cfg.Table, tile, ledger.VerHead, now); err != nil {
		return err
	}
	return a.Ledger.MarkLoaded(ctx, a.Cfg.Keyspace, a.Cfg.Table, tile, ledger.VerTail, now)
}

// CdcApply drains every pending pointer under cdc/pointers/<tile>/: it
// reads the corresponding staged event batch, sorts by ts ascending,
// applies inserts/updates/deletes in that order, then deletes the
// pointer and advances last_processed_snapshot.
func (a *Applier) CdcApply(ctx context.Context, tile int) error {
	prefix := fmt.Sprintf("%s/cdc/pointers/%d/", a.Cfg.Root, tile)
	pointers, err := a.Store.List(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "listing cdc pointers")
	}
	sort.Strings(pointers)

	var inserted, updated, deleted int
	for _, pointer := range pointers {
		epoch := pointer[strings.LastIndex(pointer, "/")+1:]
		eventsKey := fmt.Sprintf("%s/cdc/primaryKeys/%d/%s", a.Cfg.Root, tile, epoch)

		events, _, err := stage.ReadCdcEvents(ctx, a.Store, eventsKey, a.Cfg.PKColumns)
		if err != nil {
			return errors.Wrapf(err, "reading cdc events for epoch %s", epoch)
		}
		sort.Slice(events, func(i, j int) bool { return events[i].TS < events[j].TS })

		i, u, d, err := a.applyCdcEvents(ctx, events)
		inserted += i
		updated += u
		deleted += d
		if err != nil {
			return err
		}

		if err := a.Store.Delete(ctx, pointer); err != nil {
			return errors.Wrap(err, "deleting cdc pointer")
		}
		if err := a.Ledger.MarkSnapshotProcessed(ctx, a.Cfg.Keyspace, a.Cfg.Table, tile, epoch); err != nil {
			return err
		}
	}
	if inserted > 0 || updated > 0 || deleted > 0 {
		stats.WriteReplication(ctx, a.Store, a.Cfg.Root, tile, inserted, updated, deleted, a.clock())
	}
	return nil
}

// applyCdcEvents applies events in order and returns how many of each op
// actually reached the target (row-scoped DLQ diversions aren't counted).
func (a *Applier) applyCdcEvents(ctx context.Context, events []types.CdcEvent) (inserted, updated, deleted int, err error) {
	for _, ev := range events {
		var applyErr error
		switch ev.Op {
		case types.OpInsert:
			applyErr = a.insertRow(ctx, ev.PK)
		case types.OpUpdate:
			applyErr = a.insertRow(ctx, ev.PK)
		case types.OpDelete:
			applyErr = a.deleteRow(ctx, ev.PK)
		}
		if applyErr != nil {
			if _, isKind := types.KindOf(applyErr); isKind {
				continue
			}
			return inserted, updated, deleted, applyErr
		}
		switch ev.Op {
		case types.OpInsert:
			inserted++
		case types.OpUpdate:
			updated++
		case types.OpDelete:
			deleted++
		}
	}
	return inserted, updated, deleted, nil
}
