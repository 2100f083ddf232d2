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

// Package config binds the replicator's CLI surface with pflag and
// decodes the base64-JSON mapping config that drives compression,
// large-object offload, and custom-serializer behavior.
package config

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// None is the sentinel that disables an optional column mapping.
const None = "None"

// UseMaterializedView selects an alternate read path against a
// server-side materialized view instead of the base table.
type UseMaterializedView struct {
	Enabled bool   `json:"enabled"`
	MVName  string `json:"mvName"`
}

// FilteringByTokenRanges restricts backfill apply to a set of
// partitioner token ranges, each "lo,hi".
type FilteringByTokenRanges struct {
	Enabled     bool     `json:"enabled"`
	TokenRanges []string `json:"tokenRanges"`
}

// ReplicationSection controls column projection and the apply path.
type ReplicationSection struct {
	AllColumns             bool                   `json:"allColumns"`
	Columns                []string               `json:"columns"`
	UseCustomSerializer    bool                   `json:"useCustomSerializer"`
	UseMaterializedView    UseMaterializedView    `json:"useMaterializedView"`
	FilteringByTokenRanges FilteringByTokenRanges `json:"filteringByTokenRanges"`
}

// CompressionSection mirrors transform.CompressionConfig's JSON shape.
type CompressionSection struct {
	Enabled                      bool     `json:"enabled"`
	CompressNonPrimaryColumns    []string `json:"compressNonPrimaryColumns"`
	CompressAllNonPrimaryColumns bool     `json:"compressAllNonPrimaryColumns"`
	TargetNameColumn             string   `json:"targetNameColumn"`
}

// LargeObjectsSection mirrors transform.LargeObjectConfig's JSON shape.
type LargeObjectsSection struct {
	Enabled             bool   `json:"enabled"`
	Column              string `json:"column"`
	Bucket              string `json:"bucket"`
	Prefix              string `json:"prefix"`
	EnableRefByTimeUUID bool   `json:"enableRefByTimeUUID"`
	Xref                string `json:"xref"`
}

// TransformationSection gates an optional row filter expression.
// Non-goal per spec.md: no expression language is evaluated here; the
// field round-trips for forward compatibility with the mapping format
// but FilterExpression is never interpreted by this binary.
type TransformationSection struct {
	Enabled          bool   `json:"enabled"`
	FilterExpression string `json:"filterExpression"`
}

// KeyspacesSection groups the per-table transform knobs.
type KeyspacesSection struct {
	CompressionConfig  CompressionSection    `json:"compressionConfig"`
	LargeObjectsConfig LargeObjectsSection   `json:"largeObjectsConfig"`
	Transformation     TransformationSection `json:"transformation"`
}

// ReplicationConfig is the decoded shape of JSON_MAPPING.
type ReplicationConfig struct {
	Replication ReplicationSection `json:"replication"`
	Keyspaces   KeyspacesSection   `json:"keyspaces"`
}

// DecodeMapping base64-decodes and unmarshals raw into a
// ReplicationConfig. On any failure it returns the zero-value config
// (every feature flag disabled) tagged types.KindConfigParseFailure;
// callers should log the error and proceed with the returned config
// rather than treat it as fatal, per the ConfigParseFailure policy.
func DecodeMapping(raw string) (ReplicationConfig, error) {
	if raw == "" {
		return ReplicationConfig{}, nil
	}
	body, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return ReplicationConfig{}, types.WithKind(types.KindConfigParseFailure, errors.Wrap(err, "decoding base64 JSON_MAPPING"))
	}
	var cfg ReplicationConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return ReplicationConfig{}, types.WithKind(types.KindConfigParseFailure, errors.Wrap(err, "unmarshaling JSON_MAPPING"))
	}
	return cfg, nil
}

// ResolveColumn applies the "None" sentinel: it returns "" (disabled)
// when raw is empty or equals None, else raw unchanged.
func ResolveColumn(raw string) string {
	if raw == "" || raw == None {
		return ""
	}
	return raw
}

// CLI is the full set of command-line arguments from §6.2, bound with
// pflag the way the teacher's server config does.
type CLI struct {
	JobName                string
	Tile                   int
	TotalTiles             int
	ProcessType            string
	SourceKeyspace         string
	SourceTable            string
	TargetKeyspace         string
	TargetTable            string
	WritetimeColumn        string
	TTLColumn              string
	S3LandingZone          string
	ReplicationPointInTime int64
	SafeMode               bool
	CleanupRequested       bool
	JSONMapping            string
	ReplayLog              bool
	LogLevel               string
	MetricsAddr            string
}

// Bind registers every §6.2 flag (plus the ambient --logLevel and
// --metricsAddr flags from §4.10) onto fs and returns the struct pflag
// will populate on fs.Parse.
func Bind(fs *pflag.FlagSet) *CLI {
	c := &CLI{}
	fs.StringVar(&c.JobName, "JOB_NAME", "", "job identifier, used in log context")
	fs.IntVar(&c.Tile, "TILE", 0, "tile index this process owns")
	fs.IntVar(&c.TotalTiles, "TOTAL_TILES", 1, "total tile count")
	fs.StringVar(&c.ProcessType, "PROCESS_TYPE", "discovery", "discovery|replication")
	fs.StringVar(&c.SourceKeyspace, "SOURCE_KS", "", "source keyspace")
	fs.StringVar(&c.SourceTable, "SOURCE_TBL", "", "source table")
	fs.StringVar(&c.TargetKeyspace, "TARGET_KS", "", "target keyspace")
	fs.StringVar(&c.TargetTable, "TARGET_TBL", "", "target table")
	fs.StringVar(&c.WritetimeColumn, "WRITETIME_COLUMN", None, "writetime column, or None to disable")
	fs.StringVar(&c.TTLColumn, "TTL_COLUMN", None, "TTL column, or None to disable")
	fs.StringVar(&c.S3LandingZone, "S3_LANDING_ZONE", "", "s3://bucket/prefix staging root")
	fs.Int64Var(&c.ReplicationPointInTime, "REPLICATION_POINT_IN_TIME", 0, "epoch ms; 0 disables")
	fs.BoolVar(&c.SafeMode, "SAFE_MODE", false, "disk-only caching with inter-cycle cooldown")
	fs.BoolVar(&c.CleanupRequested, "CLEANUP_REQUESTED", false, "wipe ledger rows for this table before looping")
	fs.StringVar(&c.JSONMapping, "JSON_MAPPING", "", "base64-encoded JSON replication mapping")
	fs.BoolVar(&c.ReplayLog, "REPLAY_LOG", false, "replay DLQ entries each cycle")
	fs.StringVar(&c.LogLevel, "logLevel", "info", "logrus level")
	fs.StringVar(&c.MetricsAddr, "metricsAddr", "", "optional :PORT to serve /metrics and /healthz")
	return c
}
