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

// Command replicator runs one tile of one (keyspace, table)'s
// discovery or replication process, per PROCESS_TYPE. It exits 0 on a
// clean stop-flag shutdown and -1 on preflight failure.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/CashmereBulldog/cql-replicator/internal/applier"
	"github.com/CashmereBulldog/cql-replicator/internal/cdcengine"
	"github.com/CashmereBulldog/cql-replicator/internal/config"
	"github.com/CashmereBulldog/cql-replicator/internal/discovery"
	"github.com/CashmereBulldog/cql-replicator/internal/dlq"
	"github.com/CashmereBulldog/cql-replicator/internal/ledger"
	"github.com/CashmereBulldog/cql-replicator/internal/orchestrator"
	"github.com/CashmereBulldog/cql-replicator/internal/retry"
	"github.com/CashmereBulldog/cql-replicator/internal/session"
	"github.com/CashmereBulldog/cql-replicator/internal/stage"
	"github.com/CashmereBulldog/cql-replicator/internal/transform"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

func main() {
	fs := pflag.NewFlagSet("replicator", pflag.ExitOnError)
	cli := config.Bind(fs)
	fs.Parse(os.Args[1:])

	level, err := log.ParseLevel(cli.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	logCtx := log.WithFields(log.Fields{
		"job": cli.JobName, "tile": cli.Tile, "process": cli.ProcessType,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cli, logCtx); err != nil {
		logCtx.WithError(err).Error("replicator exiting on preflight failure")
		os.Exit(-1)
	}
}

func run(ctx context.Context, cli *config.CLI, logCtx *log.Entry) error {
	source, err := session.Open(ctx, sourceHostsFromEnv(), cli.SourceKeyspace)
	if err != nil {
		return types.WithKind(types.KindPreflightFailure, err)
	}
	defer source.Close()

	target, err := session.Open(ctx, targetHostsFromEnv(), cli.TargetKeyspace)
	if err != nil {
		return types.WithKind(types.KindPreflightFailure, err)
	}
	defer target.Close()

	store, err := stage.OpenS3(ctx, cli.S3LandingZone)
	if err != nil {
		return types.WithKind(types.KindPreflightFailure, err)
	}

	mapping, err := config.DecodeMapping(cli.JSONMapping)
	if err != nil {
		logCtx.WithError(err).Warn("JSON_MAPPING decode failed, proceeding with every feature disabled")
	}

	schema, err := session.DescribeTable(ctx, source, cli.SourceKeyspace, cli.SourceTable)
	if err != nil {
		return types.WithKind(types.KindPreflightFailure, err)
	}

	led := ledger.New(target, cli.TargetKeyspace)
	if err := led.EnsureSchema(ctx); err != nil {
		return types.WithKind(types.KindPreflightFailure, err)
	}

	root := fmt.Sprintf("%s/%s", cli.TargetKeyspace, cli.TargetTable)
	writetimeColumn := config.ResolveColumn(cli.WritetimeColumn)
	ttlColumn := config.ResolveColumn(cli.TTLColumn)

	pkNames := make([]string, 0, len(schema.PKColumns))
	for _, c := range schema.PKColumns {
		pkNames = append(pkNames, c.Name)
	}

	disc := &discovery.Engine{
		Source:                 source,
		Store:                  store,
		Ledger:                 led,
		Keyspace:               cli.SourceKeyspace,
		Table:                  cli.SourceTable,
		Root:                   root,
		PKColumns:              schema.PKColumns,
		WritetimeColumn:        writetimeColumn,
		ReplicationPointInTime: cli.ReplicationPointInTime,
	}
	if mapping.Replication.UseMaterializedView.Enabled {
		disc.MaterializedView = mapping.Replication.UseMaterializedView.MVName
	}

	writer := retry.New(target, store, root, cli.Tile)
	writer.Keyspace, writer.Table, writer.Process = cli.TargetKeyspace, cli.TargetTable, string(cli.ProcessType)

	xform := transform.New(
		transform.CompressionConfig{
			Enabled:          mapping.Keyspaces.CompressionConfig.Enabled,
			Columns:          mapping.Keyspaces.CompressionConfig.CompressNonPrimaryColumns,
			All:              mapping.Keyspaces.CompressionConfig.CompressAllNonPrimaryColumns,
			TargetNameColumn: mapping.Keyspaces.CompressionConfig.TargetNameColumn,
		},
		transform.LargeObjectConfig{
			Enabled:             mapping.Keyspaces.LargeObjectsConfig.Enabled,
			Column:              mapping.Keyspaces.LargeObjectsConfig.Column,
			Bucket:              mapping.Keyspaces.LargeObjectsConfig.Bucket,
			Prefix:              mapping.Keyspaces.LargeObjectsConfig.Prefix,
			EnableRefByTimeUUID: mapping.Keyspaces.LargeObjectsConfig.EnableRefByTimeUUID,
			XrefColumn:          mapping.Keyspaces.LargeObjectsConfig.Xref,
		},
		store, pkNames,
	)

	appCfg := applier.Config{
		Keyspace:         cli.TargetKeyspace,
		Table:            cli.TargetTable,
		Root:             root,
		PKColumns:        schema.PKColumns,
		ValueColumns:     schema.ValueColumns,
		WritetimeColumn:  writetimeColumn,
		TTLColumn:        ttlColumn,
		CustomSerializer: mapping.Replication.UseCustomSerializer,
		Shuffle:          true,
		Rand:             rand.New(rand.NewSource(int64(cli.Tile) + 1)),
	}
	if mapping.Replication.FilteringByTokenRanges.Enabled {
		// No murmur3-partitioner token function is available from the
		// retrieved dependency set, so a configured token range is
		// logged and otherwise ignored rather than silently wrong.
		logCtx.Warn("filteringByTokenRanges requested but no token function is wired; ignoring")
	}

	app := &applier.Applier{
		Source: source, Store: store, Ledger: led,
		Writer: writer, Transform: xform, Cfg: appCfg,
	}

	cdc := &cdcengine.Engine{
		Source: source, Store: store, Ledger: led,
		Keyspace: cli.SourceKeyspace, Table: cli.SourceTable, Root: root,
		SupportTable: cli.SourceTable + "_cdc",
		PKColumns:    schema.PKColumns,
		Process:      string(cli.ProcessType),
	}

	replayer := dlq.New(target, store, root)
	replayer.Keyspace, replayer.Table, replayer.Tile, replayer.Process =
		cli.TargetKeyspace, cli.TargetTable, cli.Tile, string(cli.ProcessType)

	orch := &orchestrator.Orchestrator{
		Source: source, Target: target, Store: store, Ledger: led,
		Discovery: disc, Applier: app, Cdc: cdc, Replayer: replayer,
		Cfg: orchestrator.Config{
			ProcessType:      orchestrator.ProcessType(cli.ProcessType),
			Tile:             cli.Tile,
			TotalTiles:       cli.TotalTiles,
			SourceKeyspace:   cli.SourceKeyspace,
			SourceTable:      cli.SourceTable,
			TargetKeyspace:   cli.TargetKeyspace,
			TargetTable:      cli.TargetTable,
			Root:             root,
			SafeMode:         cli.SafeMode,
			CleanupRequested: cli.CleanupRequested,
			ReplayLog:        cli.ReplayLog,
		},
	}

	var healthy bool
	if cli.MetricsAddr != "" {
		srv := newMetricsServer(cli.MetricsAddr, func() bool { return healthy })
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logCtx.WithError(err).Warn("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := orchestrator.Preflight(ctx, source, target, cli.SourceKeyspace, cli.SourceTable, cli.TargetKeyspace, cli.TargetTable); err != nil {
		return err
	}
	healthy = true

	return orch.Run(ctx)
}

// newMetricsServer builds the optional operational HTTP surface: a
// Prometheus scrape endpoint and a liveness probe that flips healthy
// once Preflight succeeds.
func newMetricsServer(addr string, healthy func() bool) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: addr, Handler: r}
}

// sourceHostsFromEnv and targetHostsFromEnv read the cluster contact
// points from the environment rather than the CLI: host lists are a
// deployment concern (per the out-of-scope collaborators list), not a
// replication parameter.
func sourceHostsFromEnv() []string { return splitHosts(os.Getenv("SOURCE_HOSTS")) }
func targetHostsFromEnv() []string { return splitHosts(os.Getenv("TARGET_HOSTS")) }

func splitHosts(raw string) []string {
	if raw == "" {
		return []string{"127.0.0.1"}
	}
	return strings.Split(raw, ",")
}
