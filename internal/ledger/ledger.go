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

// Package ledger is the durable per-tile state machine: the ledger
// table tracks head/tail snapshot slots through discovery, and
// cdc_ledger tracks the backfill-to-CDC handoff and CDC cursor.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// Ver names the two durable snapshot slots a tile owns.
type Ver string

const (
	VerHead Ver = "head"
	VerTail Ver = "tail"
)

// Status is the offload/load status recorded against a slot.
type Status string

const (
	StatusNone    Status = ""
	StatusSuccess Status = "SUCCESS"
)

// Slot is one row of the ledger table.
type Slot struct {
	Tile          int
	Ver           Ver
	OffloadStatus Status
	LoadStatus    Status
	DtOffload     time.Time
	DtLoad        time.Time
	Location      string
}

// CdcState is one row of the cdc_ledger table.
type CdcState struct {
	Tile                  int
	BackfillCompleted     bool
	BackfillTs            time.Time
	MaxTs                 int64
	MaxTsSet              bool
	LastProcessedSnapshot string
}

// Ledger wraps the target session with the ledger/cdc_ledger schema.
// Its sql templates are bound once to the meta keyspace at
// construction, mirroring the prepared-template-on-the-struct idiom
// the resolver type uses for its own bookkeeping table.
type Ledger struct {
	target types.TargetSession

	sql struct {
		createLedger    string
		createCdcLedger string
		readSlot        string
		upsertOffload   string
		upsertLoad      string
		swapPromote     string
		swapArm         string
		getCdc          string
		setBackfill     string
		advanceMaxTs    string
		markSnapshot    string
		deleteLedger    string
		deleteCdcLedger string
		countIncomplete string
	}
}

const createLedgerTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s.ledger (
  ks text,
  tbl text,
  tile int,
  ver text,
  offload_status text,
  load_status text,
  dt_offload timestamp,
  dt_load timestamp,
  location text,
  PRIMARY KEY ((ks, tbl, tile), ver)
)`

const createCdcLedgerTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s.cdc_ledger (
  key text,
  tile int,
  backfill_completed boolean,
  backfill_ts timestamp,
  max_ts bigint,
  last_processed_snapshot text,
  PRIMARY KEY (key, tile)
)`

const readSlotTemplate = `
SELECT ver, offload_status, load_status, dt_offload, dt_load, location
FROM %[1]s.ledger WHERE ks=? AND tbl=? AND tile=? AND ver=?`

const upsertOffloadTemplate = `
UPDATE %[1]s.ledger SET offload_status='SUCCESS', dt_offload=?, location=?
WHERE ks=? AND tbl=? AND tile=? AND ver=?`

const upsertLoadTemplate = `
UPDATE %[1]s.ledger SET load_status='SUCCESS', dt_load=?
WHERE ks=? AND tbl=? AND tile=? AND ver=?`

// swapPromote and swapArm together form the atomic swap batch: tail's
// current row becomes the new head, and a fresh empty tail is armed.
// Both statements are sent as one BEGIN BATCH ... APPLY BATCH text so
// the two slot updates commit together.
const swapPromoteTemplate = `
UPDATE %[1]s.ledger SET offload_status='SUCCESS', load_status='', dt_offload=?, location=?
WHERE ks=? AND tbl=? AND tile=? AND ver='head'`

const swapArmTemplate = `
UPDATE %[1]s.ledger SET offload_status='', load_status='', dt_offload=null, dt_load=null, location=null
WHERE ks=? AND tbl=? AND tile=? AND ver='tail'`

const getCdcTemplate = `
SELECT backfill_completed, backfill_ts, max_ts, last_processed_snapshot
FROM %[1]s.cdc_ledger WHERE key=? AND tile=?`

const setBackfillTemplate = `
UPDATE %[1]s.cdc_ledger SET backfill_completed=true, backfill_ts=?
WHERE key=? AND tile=?`

const advanceMaxTsTemplate = `
UPDATE %[1]s.cdc_ledger SET max_ts=? WHERE key=? AND tile=?`

const markSnapshotTemplate = `
UPDATE %[1]s.cdc_ledger SET last_processed_snapshot=? WHERE key=? AND tile=?`

const deleteLedgerTemplate = `
DELETE FROM %[1]s.ledger WHERE ks=? AND tbl=? AND tile=?`

const deleteCdcLedgerTemplate = `
DELETE FROM %[1]s.cdc_ledger WHERE key=? AND tile=?`

const countIncompleteTemplate = `
SELECT tile FROM %[1]s.cdc_ledger WHERE key=? AND backfill_completed=false ALLOW FILTERING`

// New binds a Ledger to the given meta keyspace (where the ledger and
// cdc_ledger tables live) over target.
func New(target types.TargetSession, metaKeyspace string) *Ledger {
	l := &Ledger{target: target}
	l.sql.createLedger = fmt.Sprintf(createLedgerTemplate, metaKeyspace)
	l.sql.createCdcLedger = fmt.Sprintf(createCdcLedgerTemplate, metaKeyspace)
	l.sql.readSlot = fmt.Sprintf(readSlotTemplate, metaKeyspace)
	l.sql.upsertOffload = fmt.Sprintf(upsertOffloadTemplate, metaKeyspace)
	l.sql.upsertLoad = fmt.Sprintf(upsertLoadTemplate, metaKeyspace)
	l.sql.swapPromote = fmt.Sprintf(swapPromoteTemplate, metaKeyspace)
	l.sql.swapArm = fmt.Sprintf(swapArmTemplate, metaKeyspace)
	l.sql.getCdc = fmt.Sprintf(getCdcTemplate, metaKeyspace)
	l.sql.setBackfill = fmt.Sprintf(setBackfillTemplate, metaKeyspace)
	l.sql.advanceMaxTs = fmt.Sprintf(advanceMaxTsTemplate, metaKeyspace)
	l.sql.markSnapshot = fmt.Sprintf(markSnapshotTemplate, metaKeyspace)
	l.sql.deleteLedger = fmt.Sprintf(deleteLedgerTemplate, metaKeyspace)
	l.sql.deleteCdcLedger = fmt.Sprintf(deleteCdcLedgerTemplate, metaKeyspace)
	l.sql.countIncomplete = fmt.Sprintf(countIncompleteTemplate, metaKeyspace)
	return l
}

// EnsureSchema creates the ledger and cdc_ledger tables if absent.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if err := l.target.Exec(ctx, l.sql.createLedger); err != nil {
		return errors.Wrap(err, "creating ledger table")
	}
	if err := l.target.Exec(ctx, l.sql.createCdcLedger); err != nil {
		return errors.Wrap(err, "creating cdc_ledger table")
	}
	return nil
}

// InitializeIfRequested deletes all ledger/cdc_ledger rows for
// (ks, tbl) across every tile, when cleanup has been requested for a
// discovery-mode process.
func (l *Ledger) InitializeIfRequested(ctx context.Context, ks, tbl string, tiles int) error {
	key := ks + "." + tbl
	for tile := 0; tile < tiles; tile++ {
		if err := l.target.Exec(ctx, l.sql.deleteLedger, ks, tbl, tile); err != nil {
			return errors.Wrapf(err, "clearing ledger for tile %d", tile)
		}
		if err := l.target.Exec(ctx, l.sql.deleteCdcLedger, key, tile); err != nil {
			return errors.Wrapf(err, "clearing cdc_ledger for tile %d", tile)
		}
	}
	return nil
}

// ReadSlot returns the (tile, ver) slot, or ok=false if no row exists.
func (l *Ledger) ReadSlot(ctx context.Context, ks, tbl string, tile int, ver Ver) (Slot, bool, error) {
	rows, err := l.target.Query(ctx, l.sql.readSlot, ks, tbl, tile, string(ver))
	if err != nil {
		return Slot{}, false, errors.Wrap(err, "reading ledger slot")
	}
	defer rows.Close()

	var (
		verStr, offload, load, location string
		dtOffload, dtLoad               time.Time
	)
	if !rows.Next(&verStr, &offload, &load, &dtOffload, &dtLoad, &location) {
		return Slot{}, false, rows.Err()
	}
	return Slot{
		Tile:          tile,
		Ver:           Ver(verStr),
		OffloadStatus: Status(offload),
		LoadStatus:    Status(load),
		DtOffload:     dtOffload,
		DtLoad:        dtLoad,
		Location:      location,
	}, true, nil
}

// MarkOffloaded records that the (tile, ver) snapshot was written to
// staging at location. Idempotent: re-running with the same arguments
// leaves the row in the same state.
func (l *Ledger) MarkOffloaded(ctx context.Context, ks, tbl string, tile int, ver Ver, location string, at time.Time) error {
	return errors.Wrap(
		l.target.Exec(ctx, l.sql.upsertOffload, at, location, ks, tbl, tile, string(ver)),
		"marking slot offloaded",
	)
}

// MarkLoaded records that the (tile, ver) snapshot has been applied to
// the target. Per the ledger's forward-only invariant, it reads the
// slot first and returns an error, writing nothing, when the slot is
// missing or its offload_status isn't already SUCCESS.
func (l *Ledger) MarkLoaded(ctx context.Context, ks, tbl string, tile int, ver Ver, at time.Time) error {
	slot, ok, err := l.ReadSlot(ctx, ks, tbl, tile, ver)
	if err != nil {
		return err
	}
	if !ok || slot.OffloadStatus != StatusSuccess {
		return errors.Errorf("cannot mark %s/%s tile %d ver %s loaded before offload succeeds", ks, tbl, tile, ver)
	}
	return errors.Wrap(
		l.target.Exec(ctx, l.sql.upsertLoad, at, ks, tbl, tile, string(ver)),
		"marking slot loaded",
	)
}

// SwapSlots promotes the current tail to head and arms a fresh, empty
// tail. It must only be called when both head and tail are
// offload_status=SUCCESS, load_status=SUCCESS and CDC is off; callers
// enforce that precondition (the discovery engine) since the ledger
// itself doesn't know whether CDC is enabled for the tile.
func (l *Ledger) SwapSlots(ctx context.Context, ks, tbl string, tile int, tailLocation string, at time.Time) error {
	head, ok, err := l.ReadSlot(ctx, ks, tbl, tile, VerHead)
	if err != nil {
		return err
	}
	if !ok || head.OffloadStatus != StatusSuccess || head.LoadStatus != StatusSuccess {
		return errors.Errorf("swap requires head SUCCESS/SUCCESS for tile %d", tile)
	}
	tail, ok, err := l.ReadSlot(ctx, ks, tbl, tile, VerTail)
	if err != nil {
		return err
	}
	if !ok || tail.OffloadStatus != StatusSuccess || tail.LoadStatus != StatusSuccess {
		return errors.Errorf("swap requires tail SUCCESS/SUCCESS for tile %d", tile)
	}

	batch := "BEGIN BATCH" + l.sql.swapPromote + ";" + l.sql.swapArm + ";\nAPPLY BATCH"
	if err := l.target.Exec(ctx, batch, at, tailLocation, ks, tbl, tile, ks, tbl, tile); err != nil {
		return errors.Wrap(err, "swapping tail to head and arming new tail")
	}
	return nil
}

// GetCdc returns the cdc_ledger row for (ks, tbl, tile), or ok=false if
// no row exists yet (backfill not started).
func (l *Ledger) GetCdc(ctx context.Context, ks, tbl string, tile int) (CdcState, bool, error) {
	key := ks + "." + tbl
	rows, err := l.target.Query(ctx, l.sql.getCdc, key, tile)
	if err != nil {
		return CdcState{}, false, errors.Wrap(err, "reading cdc_ledger")
	}
	defer rows.Close()

	var (
		completed  bool
		backfillTs time.Time
		maxTs      *int64
		lastSnap   string
	)
	if !rows.Next(&completed, &backfillTs, &maxTs, &lastSnap) {
		return CdcState{}, false, rows.Err()
	}
	state := CdcState{
		Tile:                  tile,
		BackfillCompleted:     completed,
		BackfillTs:            backfillTs,
		LastProcessedSnapshot: lastSnap,
	}
	if maxTs != nil {
		state.MaxTs = *maxTs
		state.MaxTsSet = true
	}
	return state, true, nil
}

// SetBackfillCompleted marks a tile's backfill as finished at ts. Once
// observed, discovery must cease writing new head/tail snapshots for
// this tile and CDC becomes authoritative.
func (l *Ledger) SetBackfillCompleted(ctx context.Context, ks, tbl string, tile int, ts time.Time) error {
	key := ks + "." + tbl
	return errors.Wrap(l.target.Exec(ctx, l.sql.setBackfill, ts, key, tile), "setting backfill_completed")
}

// AdvanceMaxTs raises the CDC cursor to ts. Callers must only call this
// with a ts greater than or equal to the current cursor; the ledger
// does not itself enforce monotonicity here since the CDC engine
// computes ts from a filtered scan that's already cursor-relative.
func (l *Ledger) AdvanceMaxTs(ctx context.Context, ks, tbl string, tile int, ts int64) error {
	key := ks + "." + tbl
	return errors.Wrap(l.target.Exec(ctx, l.sql.advanceMaxTs, ts, key, tile), "advancing max_ts")
}

// MarkSnapshotProcessed records the most recently applied CDC epoch
// folder, so a restarted applier can tell which pointer it left off at.
func (l *Ledger) MarkSnapshotProcessed(ctx context.Context, ks, tbl string, tile int, epoch string) error {
	key := ks + "." + tbl
	return errors.Wrap(l.target.Exec(ctx, l.sql.markSnapshot, epoch, key, tile), "marking snapshot processed")
}

// AllBackfillsCompleted reports whether every tile in [0, totalTiles)
// has backfill_completed=true for (ks, tbl).
func (l *Ledger) AllBackfillsCompleted(ctx context.Context, ks, tbl string, totalTiles int) (bool, error) {
	key := ks + "." + tbl
	rows, err := l.target.Query(ctx, l.sql.countIncomplete, key)
	if err != nil {
		return false, errors.Wrap(err, "scanning cdc_ledger for incomplete tiles")
	}
	defer rows.Close()

	var tile int
	incomplete := 0
	for rows.Next(&tile) {
		incomplete++
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return incomplete == 0, nil
}
