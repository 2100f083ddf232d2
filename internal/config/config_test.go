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

package config_test

import (
	"encoding/base64"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CashmereBulldog/cql-replicator/internal/config"
	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

func TestDecodeMappingRoundTrip(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte(`{
		"replication": {"allColumns": true, "useCustomSerializer": true},
		"keyspaces": {"largeObjectsConfig": {"enabled": true, "column": "photo", "xref": "photo_ref"}}
	}`))

	cfg, err := config.DecodeMapping(raw)
	require.NoError(t, err)
	assert.True(t, cfg.Replication.AllColumns)
	assert.True(t, cfg.Replication.UseCustomSerializer)
	assert.True(t, cfg.Keyspaces.LargeObjectsConfig.Enabled)
	assert.Equal(t, "photo_ref", cfg.Keyspaces.LargeObjectsConfig.Xref)
}

func TestDecodeMappingEmptyIsZeroValue(t *testing.T) {
	cfg, err := config.DecodeMapping("")
	require.NoError(t, err)
	assert.Equal(t, config.ReplicationConfig{}, cfg)
}

func TestDecodeMappingMalformedBase64FallsBackToDefault(t *testing.T) {
	cfg, err := config.DecodeMapping("not-valid-base64!!!")
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindConfigParseFailure, kind)
	assert.Equal(t, config.ReplicationConfig{}, cfg)
}

func TestDecodeMappingMalformedJSONFallsBackToDefault(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte(`{not json`))
	cfg, err := config.DecodeMapping(raw)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindConfigParseFailure, kind)
	assert.Equal(t, config.ReplicationConfig{}, cfg)
}

func TestResolveColumnSentinel(t *testing.T) {
	assert.Equal(t, "", config.ResolveColumn("None"))
	assert.Equal(t, "", config.ResolveColumn(""))
	assert.Equal(t, "updated_at", config.ResolveColumn("updated_at"))
}

func TestBindParsesAllFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c := config.Bind(fs)

	err := fs.Parse([]string{
		"--JOB_NAME=job1",
		"--TILE=3",
		"--TOTAL_TILES=8",
		"--PROCESS_TYPE=replication",
		"--SOURCE_KS=ks",
		"--SOURCE_TBL=tbl",
		"--TARGET_KS=ks2",
		"--TARGET_TBL=tbl2",
		"--WRITETIME_COLUMN=updated_at",
		"--TTL_COLUMN=None",
		"--S3_LANDING_ZONE=s3://bucket/prefix",
		"--REPLICATION_POINT_IN_TIME=1700000000000",
		"--SAFE_MODE=true",
		"--CLEANUP_REQUESTED=false",
		"--REPLAY_LOG=true",
	})
	require.NoError(t, err)

	assert.Equal(t, "job1", c.JobName)
	assert.Equal(t, 3, c.Tile)
	assert.Equal(t, 8, c.TotalTiles)
	assert.Equal(t, "replication", c.ProcessType)
	assert.Equal(t, "updated_at", c.WritetimeColumn)
	assert.Equal(t, config.None, c.TTLColumn)
	assert.Equal(t, int64(1700000000000), c.ReplicationPointInTime)
	assert.True(t, c.SafeMode)
	assert.False(t, c.CleanupRequested)
	assert.True(t, c.ReplayLog)
	assert.Equal(t, "info", c.LogLevel) // default, not overridden
}
