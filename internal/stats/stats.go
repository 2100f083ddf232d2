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

// Package stats writes small best-effort JSON summaries of each
// discovery/replication cycle to the staging object store, for
// operators to eyeball without standing up a metrics scraper.
package stats

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// Discovery is the count.json body written after a discovery cycle.
type Discovery struct {
	Tile int   `json:"tile"`
	Rows int   `json:"rows"`
	TS   int64 `json:"ts"`
}

// Replication is the count.json body written after an applier cycle.
type Replication struct {
	Tile     int   `json:"tile"`
	Inserted int   `json:"inserted"`
	Updated  int   `json:"updated"`
	Deleted  int   `json:"deleted"`
	TS       int64 `json:"ts"`
}

// WriteDiscovery marshals and writes a Discovery summary to
// <root>/stats/discovery/<tile>/count.json. Write failures are logged
// and swallowed: a missed stats write never fails the cycle that
// produced it.
func WriteDiscovery(ctx context.Context, store types.ObjectStore, root string, tile, rows int, now types.Clock) {
	write(ctx, store, fmt.Sprintf("%s/stats/discovery/%d/count.json", root, tile), Discovery{
		Tile: tile, Rows: rows, TS: now().UnixMilli(),
	})
}

// WriteReplication marshals and writes a Replication summary to
// <root>/stats/replication/<tile>/count.json.
func WriteReplication(ctx context.Context, store types.ObjectStore, root string, tile, inserted, updated, deleted int, now types.Clock) {
	write(ctx, store, fmt.Sprintf("%s/stats/replication/%d/count.json", root, tile), Replication{
		Tile: tile, Inserted: inserted, Updated: updated, Deleted: deleted, TS: now().UnixMilli(),
	})
}

func write(ctx context.Context, store types.ObjectStore, key string, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		log.WithField("key", key).WithError(err).Warn("stats write failed: marshal")
		return
	}
	if err := store.Put(ctx, key, b); err != nil {
		log.WithField("key", key).WithError(err).Warn("stats write failed: put")
	}
}
