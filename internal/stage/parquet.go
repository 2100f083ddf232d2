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

package stage

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// pkRow is the on-disk Parquet shape for a primary-key snapshot:
// column values are carried JSON-encoded since the pk column set is
// only known at runtime (it's a function of the replicated table's
// schema, not a compile-time struct).
type pkRow struct {
	Values string `parquet:"values"` // JSON array matching Snapshot.Columns order
	TS     int64  `parquet:"ts"`
	HasTS  bool   `parquet:"has_ts"`
	Group  int32  `parquet:"group"`
}

// cdcRow is the on-disk Parquet shape for a staged CDC event batch.
type cdcRow struct {
	Op     string `parquet:"op"`
	Values string `parquet:"values"`
	TS     int64  `parquet:"ts"`
	Dt     string `parquet:"dt"`
	Seq    int32  `parquet:"seq"`
}

// MaxCdcScanRows bounds a single CDC partition scan per the spec's
// per-partition cap.
const MaxCdcScanRows = 20000

// Row pairs a PrimaryKey with the optional writetime captured alongside
// it during discovery's projection scan. HasTS is false when no
// writetime column is configured for the table.
type Row struct {
	PK    types.PrimaryKey
	TS    int64
	HasTS bool
}

// WriteSnapshot serializes rows as a Parquet object at key, encoding
// each PrimaryKey's values as a JSON array so that an arbitrary,
// runtime-determined column set can be carried in a fixed Parquet
// schema. group, when non-nil, is recorded for debugging/inspection but
// plays no role in reconstructing the snapshot.
func WriteSnapshot(ctx context.Context, store types.ObjectStore, key string, rows []Row, group func(types.PrimaryKey) int32) error {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[pkRow](&buf)
	for _, r := range rows {
		encoded, err := json.Marshal(r.PK.Values)
		if err != nil {
			return errors.Wrap(err, "encoding primary key values")
		}
		row := pkRow{Values: string(encoded), TS: r.TS, HasTS: r.HasTS}
		if group != nil {
			row.Group = group(r.PK)
		}
		if _, err := w.Write([]pkRow{row}); err != nil {
			return errors.Wrap(err, "writing parquet row")
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "closing parquet writer")
	}
	return store.Put(ctx, key, buf.Bytes())
}

// ReadSnapshot decodes a Parquet object written by WriteSnapshot back
// into Rows, using columns to interpret the stored JSON arrays.
func ReadSnapshot(ctx context.Context, store types.ObjectStore, key string, columns []types.ColumnMeta) ([]Row, error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	reader := parquet.NewGenericReader[pkRow](bytes.NewReader(body), int64(len(body)))
	defer reader.Close()

	var out []Row
	buf := make([]pkRow, 256)
	for {
		n, err := reader.Read(buf)
		for i := 0; i < n; i++ {
			var values []any
			if jsonErr := json.Unmarshal([]byte(buf[i].Values), &values); jsonErr != nil {
				return nil, errors.Wrap(jsonErr, "decoding primary key values")
			}
			out = append(out, Row{
				PK:    types.PrimaryKey{Columns: columns, Values: values},
				TS:    buf[i].TS,
				HasTS: buf[i].HasTS,
			})
		}
		if err != nil {
			break
		}
	}
	return out, nil
}

// WriteCdcEvents serializes a batch of CdcEvent as a single Parquet
// object at key. Events are not split by (dt, seq) into separate
// objects; dt and seq are stored as columns of each row.
func WriteCdcEvents(ctx context.Context, store types.ObjectStore, key string, events []types.CdcEvent) error {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[cdcRow](&buf)
	for _, e := range events {
		encoded, err := json.Marshal(e.PK.Values)
		if err != nil {
			return errors.Wrap(err, "encoding cdc event pk")
		}
		row := cdcRow{
			Op:     string(e.Op),
			Values: string(encoded),
			TS:     e.TS,
			Dt:     e.Dt,
			Seq:    int32(e.Seq),
		}
		if _, err := w.Write([]cdcRow{row}); err != nil {
			return errors.Wrap(err, "writing cdc parquet row")
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "closing cdc parquet writer")
	}
	return store.Put(ctx, key, buf.Bytes())
}

// ReadCdcEvents decodes a Parquet object written by WriteCdcEvents,
// capping the number of rows read at MaxCdcScanRows and reporting
// whether the scan was truncated.
func ReadCdcEvents(ctx context.Context, store types.ObjectStore, key string, columns []types.ColumnMeta) (events []types.CdcEvent, truncated bool, err error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	reader := parquet.NewGenericReader[cdcRow](bytes.NewReader(body), int64(len(body)))
	defer reader.Close()

	buf := make([]cdcRow, 256)
	for {
		if len(events) >= MaxCdcScanRows {
			truncated = true
			break
		}
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			if len(events) >= MaxCdcScanRows {
				truncated = true
				break
			}
			var values []any
			if jsonErr := json.Unmarshal([]byte(buf[i].Values), &values); jsonErr != nil {
				return nil, false, errors.Wrap(jsonErr, "decoding cdc event pk")
			}
			events = append(events, types.CdcEvent{
				Op:  types.Op(buf[i].Op),
				PK:  types.PrimaryKey{Columns: columns, Values: values},
				TS:  buf[i].TS,
				Dt:  buf[i].Dt,
				Seq: int(buf[i].Seq),
			})
		}
		if readErr != nil {
			break
		}
	}
	return events, truncated, nil
}
