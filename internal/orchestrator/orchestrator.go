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

// Package orchestrator drives the per-tile, per-process-type loop:
// preflight, then discovery or (applier + CDC + DLQ replay), sleeping
// between cycles until a stop flag appears under the staging root.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/CashmereBulldog/cql-replicator/internal/applier"
	"github.com/CashmereBulldog/cql-replicator/internal/cdcengine"
	"github.com/CashmereBulldog/cql-replicator/internal/discovery"
	"github.com/CashmereBulldog/cql-replicator/internal/dlq"
	"github.com/CashmereBulldog/cql-replicator/internal/ledger"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// ProcessType is the orchestrator's top-level mode for one invocation.
type ProcessType string

const (
	ProcessDiscovery   ProcessType = "discovery"
	ProcessReplication ProcessType = "replication"
)

// SafeModeCooldown is the inter-cycle sleep when SafeMode is enabled
// (disk-only caching deployments, where the source cluster needs
// breathing room between scans). Without SafeMode the loop doesn't
// sleep at all between cycles.
const SafeModeCooldown = 20 * time.Second

// Config carries one process invocation's parameters, mirroring the
// per-process entry point's arguments.
type Config struct {
	ProcessType ProcessType
	Tile        int
	TotalTiles  int

	SourceKeyspace string
	SourceTable    string
	TargetKeyspace string
	TargetTable    string

	Root string // staging root for this (ks, tbl): "<landing-zone>/<ks>/<tbl>"

	SafeMode         bool
	CleanupRequested bool
	ReplayLog        bool

	Clock types.Clock
	Sleep func(time.Duration)
}

func (c *Config) clock() types.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return types.RealClock
}

func (c *Config) sleep() func(time.Duration) {
	if c.Sleep != nil {
		return c.Sleep
	}
	return time.Sleep
}

// Orchestrator wires the engines together and runs Config's loop.
type Orchestrator struct {
	Source types.SourceSession
	Target types.TargetSession
	Store  types.ObjectStore
	Ledger *ledger.Ledger

	Discovery *discovery.Engine
	Applier   *applier.Applier
	Cdc       *cdcengine.Engine
	Replayer  *dlq.Replayer

	Cfg Config
}

// stopKey is the path Run checks at the head of every loop iteration:
// "<root>/<process>/<tile>/stopRequested". One process owns one tile,
// so the tile segment is always present.
func (o *Orchestrator) stopKey() string {
	return fmt.Sprintf("%s/%s/%d/stopRequested", o.Cfg.Root, o.Cfg.ProcessType, o.Cfg.Tile)
}

// stopRequested checks for the stop flag and, when present, consumes it
// with a separate delete. A race where two workers both observe and
// both attempt delete is harmless: the second delete is a not-found
// no-op.
func (o *Orchestrator) stopRequested(ctx context.Context) (bool, error) {
	key := o.stopKey()
	ok, err := o.Store.Exists(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, "checking stop flag")
	}
	if !ok {
		return false, nil
	}
	if err := o.Store.Delete(ctx, key); err != nil {
		log.WithField("key", key).WithError(err).Debug("stop flag delete raced, ignoring")
	}
	return true, nil
}

// Preflight verifies both the source and target keyspace.table exist
// before the loop starts. Failure here is types.KindPreflightFailure
// and is fatal at startup per the error-handling design.
func Preflight(ctx context.Context, source types.SourceSession, target types.TargetSession, sourceKS, sourceTbl, targetKS, targetTbl string) error {
	if err := tableExists(ctx, sourceRowsAdapter{source}, sourceKS, sourceTbl); err != nil {
		return types.WithKind(types.KindPreflightFailure, errors.Wrapf(err, "source %s.%s", sourceKS, sourceTbl))
	}
	if err := tableExists(ctx, targetRowsAdapter{target}, targetKS, targetTbl); err != nil {
		return types.WithKind(types.KindPreflightFailure, errors.Wrapf(err, "target %s.%s", targetKS, targetTbl))
	}
	return nil
}

// queryer is the minimal surface Preflight needs from either session
// kind; source and target expose it identically but aren't otherwise
// unified by a common interface.
type queryer interface {
	Query(ctx context.Context, stmt string, args ...any) (types.SourceRows, error)
}

type sourceRowsAdapter struct{ s types.SourceSession }

func (a sourceRowsAdapter) Query(ctx context.Context, stmt string, args ...any) (types.SourceRows, error) {
	return a.s.Query(ctx, stmt, args...)
}

type targetRowsAdapter struct{ t types.TargetSession }

func (a targetRowsAdapter) Query(ctx context.Context, stmt string, args ...any) (types.SourceRows, error) {
	return a.t.Query(ctx, stmt, args...)
}

func tableExists(ctx context.Context, q queryer, ks, tbl string) error {
	rows, err := q.Query(ctx, "SELECT table_name FROM system_schema.tables WHERE keyspace_name = ? AND table_name = ?", ks, tbl)
	if err != nil {
		return errors.Wrap(err, "querying system_schema.tables")
	}
	defer rows.Close()
	var name string
	if !rows.Next(&name) {
		if err := rows.Err(); err != nil {
			return err
		}
		return errors.New("keyspace/table not found")
	}
	return nil
}

// Run executes preflight, an optional cleanup, then loops discovery
// or replication for Cfg.Tile until the stop flag appears.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := Preflight(ctx, o.Source, o.Target, o.Cfg.SourceKeyspace, o.Cfg.SourceTable, o.Cfg.TargetKeyspace, o.Cfg.TargetTable); err != nil {
		return err
	}

	if o.Cfg.CleanupRequested && o.Cfg.ProcessType == ProcessDiscovery {
		if err := o.Ledger.InitializeIfRequested(ctx, o.Cfg.TargetKeyspace, o.Cfg.TargetTable, o.Cfg.TotalTiles); err != nil {
			return errors.Wrap(err, "clearing ledger for requested cleanup")
		}
	}

	logCtx := log.WithFields(log.Fields{
		"ks": o.Cfg.TargetKeyspace, "tbl": o.Cfg.TargetTable,
		"tile": o.Cfg.Tile, "process": o.Cfg.ProcessType,
	})

	for {
		stop, err := o.stopRequested(ctx)
		if err != nil {
			return err
		}
		if stop {
			logCtx.Info("stop flag observed, exiting loop")
			return nil
		}

		if err := o.runCycle(ctx, logCtx); err != nil {
			logCtx.WithError(err).Warn("cycle failed, retrying next iteration from ledger state")
		}

		o.sleepInterCycle()
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, logCtx *log.Entry) error {
	switch o.Cfg.ProcessType {
	case ProcessDiscovery:
		logCtx.Debug("running discovery cycle")
		return o.Discovery.Run(ctx, o.Cfg.Tile, o.Cfg.TotalTiles)

	case ProcessReplication:
		if o.Cfg.ReplayLog {
			if err := o.Replayer.Replay(ctx, o.Cfg.Tile); err != nil {
				logCtx.WithError(err).Warn("dlq replay left entries for next cycle")
			}
		}
		if err := o.runApplierForPendingSlots(ctx, logCtx); err != nil {
			return err
		}
		return o.runCdcForPendingPointers(ctx, logCtx)

	default:
		return errors.Errorf("unknown process type %q", o.Cfg.ProcessType)
	}
}

// runApplierForPendingSlots mirrors the ledger's own slot predicates:
// backfill apply when only head is offloaded-and-unloaded, delta apply
// once both head and tail are offloaded and at least one is unloaded.
func (o *Orchestrator) runApplierForPendingSlots(ctx context.Context, logCtx *log.Entry) error {
	head, headOK, err := o.Ledger.ReadSlot(ctx, o.Cfg.TargetKeyspace, o.Cfg.TargetTable, o.Cfg.Tile, ledger.VerHead)
	if err != nil {
		return err
	}
	if !headOK || head.OffloadStatus != ledger.StatusSuccess {
		return nil // nothing staged yet
	}

	tail, tailOK, err := o.Ledger.ReadSlot(ctx, o.Cfg.TargetKeyspace, o.Cfg.TargetTable, o.Cfg.Tile, ledger.VerTail)
	if err != nil {
		return err
	}

	switch {
	case !tailOK && head.LoadStatus != ledger.StatusSuccess:
		logCtx.Info("backfill apply starting")
		if err := o.Applier.BackfillApply(ctx, o.Cfg.Tile); err != nil {
			return errors.Wrap(err, "backfill apply")
		}
		now := o.Cfg.clock()()
		if err := o.Ledger.MarkLoaded(ctx, o.Cfg.TargetKeyspace, o.Cfg.TargetTable, o.Cfg.Tile, ledger.VerHead, now); err != nil {
			return err
		}
		logCtx.Info("backfill apply done")
		return nil

	case tailOK && tail.OffloadStatus == ledger.StatusSuccess &&
		(head.LoadStatus != ledger.StatusSuccess || tail.LoadStatus != ledger.StatusSuccess):
		logCtx.Info("delta apply starting")
		if err := o.Applier.DeltaApply(ctx, o.Cfg.Tile); err != nil {
			return errors.Wrap(err, "delta apply")
		}
		// The first head+tail delta round catches any drift that
		// accumulated during the initial head scan; once it lands,
		// this tile is caught up and CDC becomes authoritative, so
		// discovery stops re-scanning it on subsequent cycles.
		if err := o.Ledger.SetBackfillCompleted(ctx, o.Cfg.TargetKeyspace, o.Cfg.TargetTable, o.Cfg.Tile, o.Cfg.clock()()); err != nil {
			return errors.Wrap(err, "marking backfill completed")
		}
		logCtx.Info("delta apply done")
		return nil

	default:
		return nil // fully applied; waiting on the next discovery swap
	}
}

func (o *Orchestrator) runCdcForPendingPointers(ctx context.Context, logCtx *log.Entry) error {
	cdcState, ok, err := o.Ledger.GetCdc(ctx, o.Cfg.TargetKeyspace, o.Cfg.TargetTable, o.Cfg.Tile)
	if err != nil {
		return err
	}
	if !ok || !cdcState.BackfillCompleted {
		return nil
	}
	if err := o.Cdc.PollOnce(ctx, o.Cfg.Tile); err != nil {
		return errors.Wrap(err, "cdc poll")
	}
	if err := o.Applier.CdcApply(ctx, o.Cfg.Tile); err != nil {
		return errors.Wrap(err, "cdc apply")
	}
	logCtx.Debug("cdc cycle done")
	return nil
}

// sleepInterCycle pauses only in SafeMode; the default in-memory-and-
// disk-ser mode loops back into the next cycle immediately.
func (o *Orchestrator) sleepInterCycle() {
	if o.Cfg.SafeMode {
		o.Cfg.sleep()(SafeModeCooldown)
	}
}
