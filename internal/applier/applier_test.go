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

package applier_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CashmereBulldog/cql-replicator/internal/applier"
	"github.com/CashmereBulldog/cql-replicator/internal/ledger"
	"github.com/CashmereBulldog/cql-replicator/internal/retry"
	"github.com/CashmereBulldog/cql-replicator/internal/stage"
	"github.com/CashmereBulldog/cql-replicator/internal/transform"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

var pkCols = []types.ColumnMeta{{Name: "id", Kind: types.KindNumeric}}
var valueCols = []types.ColumnMeta{{Name: "name", Kind: types.KindText}}

func pk(id float64) types.PrimaryKey {
	return types.PrimaryKey{Columns: pkCols, Values: []any{id}}
}

// fakeSourceRows replays one JSON row (or none) for a SELECT JSON fetch.
type fakeSourceRows struct {
	json string
	sent bool
	miss bool
}

func (r *fakeSourceRows) Next(dest ...any) bool {
	if r.miss || r.sent {
		return false
	}
	r.sent = true
	*dest[0].(*string) = r.json
	return true
}
func (r *fakeSourceRows) Err() error   { return nil }
func (r *fakeSourceRows) Close() error { return nil }

// fakeSource maps a WHERE-clause substring (the pk's rendered value) to
// canned JSON, so each fetched row can be distinguished.
type fakeSource struct {
	rows map[string]string // key fragment -> json; absent means miss
}

func (s *fakeSource) Query(_ context.Context, stmt string, _ ...any) (types.SourceRows, error) {
	for frag, json := range s.rows {
		if strings.Contains(stmt, frag) {
			return &fakeSourceRows{json: json}, nil
		}
	}
	return &fakeSourceRows{miss: true}, nil
}
func (s *fakeSource) Close() {}

type memStore struct{ objects map[string][]byte }

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }
func (m *memStore) Put(_ context.Context, key string, body []byte) error {
	m.objects[key] = append([]byte(nil), body...)
	return nil
}
func (m *memStore) Get(_ context.Context, key string) ([]byte, error) { return m.objects[key], nil }
func (m *memStore) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
func (m *memStore) Delete(_ context.Context, key string) error { delete(m.objects, key); return nil }
func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

// fakeTarget backs both the retry.Writer (plain INSERT/DELETE against
// ks.tbl, recorded in executed) and the Ledger (a tiny in-memory
// ledger table keyed by slot version).
type fakeTarget struct {
	executed []string
	slots    map[ledger.Ver]ledger.Slot
	cdc      ledger.CdcState
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		slots: map[ledger.Ver]ledger.Slot{
			ledger.VerHead: {Ver: ledger.VerHead, OffloadStatus: ledger.StatusSuccess},
			ledger.VerTail: {Ver: ledger.VerTail, OffloadStatus: ledger.StatusSuccess},
		},
	}
}

func (f *fakeTarget) Exec(_ context.Context, stmt string, args ...any) error {
	switch {
	case contains(stmt, "load_status='SUCCESS'"):
		ver := ledger.Ver(args[len(args)-1].(string))
		s := f.slots[ver]
		s.LoadStatus = ledger.StatusSuccess
		f.slots[ver] = s
	case contains(stmt, "last_processed_snapshot=?"):
		f.cdc.LastProcessedSnapshot = args[0].(string)
	case contains(stmt, ".ledger ") || contains(stmt, "cdc_ledger"):
		// other ledger bookkeeping writes not exercised by these tests
	default:
		f.executed = append(f.executed, stmt)
	}
	return nil
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func (f *fakeTarget) Query(_ context.Context, stmt string, args ...any) (types.SourceRows, error) {
	if contains(stmt, ".ledger WHERE") {
		ver := ledger.Ver(args[3].(string))
		slot, ok := f.slots[ver]
		if !ok {
			return &emptyRows{}, nil
		}
		return &ledgerRows{slot: slot}, nil
	}
	return &emptyRows{}, nil
}
func (f *fakeTarget) Close() {}

type emptyRows struct{}

func (emptyRows) Next(...any) bool { return false }
func (emptyRows) Err() error       { return nil }
func (emptyRows) Close() error     { return nil }

type ledgerRows struct {
	slot ledger.Slot
	done bool
}

func (r *ledgerRows) Next(dest ...any) bool {
	if r.done {
		return false
	}
	r.done = true
	*dest[0].(*string) = string(r.slot.Ver)
	*dest[1].(*string) = string(r.slot.OffloadStatus)
	*dest[2].(*string) = string(r.slot.LoadStatus)
	*dest[3].(*time.Time) = r.slot.DtOffload
	*dest[4].(*time.Time) = r.slot.DtLoad
	*dest[5].(*string) = r.slot.Location
	return true
}
func (r *ledgerRows) Err() error   { return nil }
func (r *ledgerRows) Close() error { return nil }

func newApplier(t *testing.T, source *fakeSource, target *fakeTarget, store *memStore) *applier.Applier {
	t.Helper()
	l := ledger.New(target, "repl_meta")
	writer := retry.New(target, store, "ks/tbl", 0)
	writer.Sleep = func(time.Duration) {}
	tr := transform.New(transform.CompressionConfig{}, transform.LargeObjectConfig{}, store, []string{"id"})
	return &applier.Applier{
		Source:    source,
		Store:     store,
		Ledger:    l,
		Writer:    writer,
		Transform: tr,
		Cfg: applier.Config{
			Keyspace:     "ks",
			Table:        "tbl",
			Root:         "ks/tbl",
			PKColumns:    pkCols,
			ValueColumns: valueCols,
		},
	}
}

func TestBackfillApplyInsertsEveryRow(t *testing.T) {
	store := newMemStore()
	rows := []stage.Row{
		{PK: pk(1)},
		{PK: pk(2)},
	}
	require.NoError(t, stage.WriteSnapshot(context.Background(), store, "ks/tbl/primaryKeys/tile_0.head", rows, nil))

	source := &fakeSource{rows: map[string]string{
		"id = 1": `{"id":1,"name":"a"}`,
		"id = 2": `{"id":2,"name":"b"}`,
	}}
	target := newFakeTarget()
	a := newApplier(t, source, target, store)

	require.NoError(t, a.BackfillApply(context.Background(), 0))
	require.Len(t, target.executed, 2)
	for _, stmt := range target.executed {
		assert.True(t, strings.HasPrefix(stmt, "INSERT INTO ks.tbl JSON"))
	}
}

func TestBackfillApplyFallsBackSilentlyOnMissingRow(t *testing.T) {
	store := newMemStore()
	rows := []stage.Row{{PK: pk(1)}}
	require.NoError(t, stage.WriteSnapshot(context.Background(), store, "ks/tbl/primaryKeys/tile_0.head", rows, nil))

	source := &fakeSource{rows: map[string]string{}} // row absent
	target := newFakeTarget()
	a := newApplier(t, source, target, store)

	require.NoError(t, a.BackfillApply(context.Background(), 0))
	assert.Empty(t, target.executed)
}

func TestBackfillApplyNormalizesEmptyBlobToCanonical(t *testing.T) {
	store := newMemStore()
	rows := []stage.Row{{PK: pk(1)}}
	require.NoError(t, stage.WriteSnapshot(context.Background(), store, "ks/tbl/primaryKeys/tile_0.head", rows, nil))

	source := &fakeSource{rows: map[string]string{
		`id = 1`: `{"id":1,"payload":""}`,
	}}
	target := newFakeTarget()
	a := newApplier(t, source, target, store)
	a.Cfg.ValueColumns = []types.ColumnMeta{{Name: "payload", Kind: types.KindBlob}}

	require.NoError(t, a.BackfillApply(context.Background(), 0))
	require.Len(t, target.executed, 1)
	assert.Contains(t, target.executed[0], `"payload":"0x"`)
}

func TestDeltaApplyOrdersInsertsUpdatesBeforeDeletes(t *testing.T) {
	store := newMemStore()
	head := []stage.Row{
		{PK: pk(1)}, // deleted in tail
		{PK: pk(2), TS: 100, HasTS: true},
	}
	tail := []stage.Row{
		{PK: pk(2), TS: 200, HasTS: true}, // updated
		{PK: pk(3)},                       // inserted
	}
	require.NoError(t, stage.WriteSnapshot(context.Background(), store, "ks/tbl/primaryKeys/tile_0.head", head, nil))
	require.NoError(t, stage.WriteSnapshot(context.Background(), store, "ks/tbl/primaryKeys/tile_0.tail", tail, nil))

	source := &fakeSource{rows: map[string]string{
		"id = 2": `{"id":2,"name":"b2"}`,
		"id = 3": `{"id":3,"name":"c"}`,
	}}
	target := newFakeTarget()
	a := newApplier(t, source, target, store)

	require.NoError(t, a.DeltaApply(context.Background(), 0))

	var sawInsert, sawDelete bool
	deleteIdx, insertIdx := -1, -1
	for i, stmt := range target.executed {
		if strings.HasPrefix(stmt, "INSERT") {
			sawInsert = true
			insertIdx = i
		}
		if strings.HasPrefix(stmt, "DELETE") {
			sawDelete = true
			deleteIdx = i
		}
	}
	assert.True(t, sawInsert)
	assert.True(t, sawDelete)
	assert.Less(t, insertIdx, deleteIdx, "deletes must apply after inserts/updates")

	slot, ok, err := ledger.New(target, "repl_meta").ReadSlot(context.Background(), "ks", "tbl", 0, ledger.VerHead)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusSuccess, slot.LoadStatus)
}

func TestCdcApplyDrainsPointerAndSortsByTS(t *testing.T) {
	store := newMemStore()
	events := []types.CdcEvent{
		{Op: types.OpInsert, PK: pk(2), TS: 200},
		{Op: types.OpInsert, PK: pk(1), TS: 100},
	}
	require.NoError(t, stage.WriteCdcEvents(context.Background(), store, "ks/tbl/cdc/primaryKeys/0/1700000000", events))
	require.NoError(t, store.Put(context.Background(), "ks/tbl/cdc/pointers/0/1700000000", nil))

	source := &fakeSource{rows: map[string]string{
		"id = 1": `{"id":1,"name":"a"}`,
		"id = 2": `{"id":2,"name":"b"}`,
	}}
	target := newFakeTarget()
	a := newApplier(t, source, target, store)

	require.NoError(t, a.CdcApply(context.Background(), 0))
	require.Len(t, target.executed, 2)
	assert.True(t, strings.Contains(target.executed[0], "\"id\":1"))
	assert.True(t, strings.Contains(target.executed[1], "\"id\":2"))

	_, stillThere := store.objects["ks/tbl/cdc/pointers/0/1700000000"]
	assert.False(t, stillThere)
}
