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

package session

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// TableSchema splits a table's columns into primary-key and value
// columns, in `system_schema.columns`' own `position` order.
type TableSchema struct {
	PKColumns    []types.ColumnMeta
	ValueColumns []types.ColumnMeta
}

// DescribeTable introspects keyspace.table's columns from
// system_schema.columns, classifying each as primary-key
// (partition_key or clustering kind) or value (anything else).
// main.go uses this once at startup so that operators only ever name
// a keyspace and table on the CLI, never a column list.
func DescribeTable(ctx context.Context, s types.SourceSession, keyspace, table string) (TableSchema, error) {
	rows, err := s.Query(ctx, "SELECT column_name, type, kind, position FROM system_schema.columns WHERE keyspace_name = ? AND table_name = ?", keyspace, table)
	if err != nil {
		return TableSchema{}, errors.Wrapf(err, "querying system_schema.columns for %s.%s", keyspace, table)
	}
	defer rows.Close()

	type col struct {
		meta     types.ColumnMeta
		kind     string
		position int
	}
	var pk, val []col
	for {
		var (
			name     string
			cqlType  string
			colKind  string
			position int
		)
		if !rows.Next(&name, &cqlType, &colKind, &position) {
			break
		}
		meta := types.ColumnMeta{Name: name, Kind: classify(cqlType)}
		if strings.HasPrefix(cqlType, "list<") || strings.HasPrefix(cqlType, "set<") {
			meta.Elem = classify(strings.TrimSuffix(strings.SplitN(cqlType, "<", 2)[1], ">"))
		}
		c := col{meta: meta, kind: colKind, position: position}
		if colKind == "partition_key" || colKind == "clustering" {
			pk = append(pk, c)
		} else {
			val = append(val, c)
		}
	}
	if err := rows.Err(); err != nil {
		return TableSchema{}, errors.Wrapf(err, "reading system_schema.columns for %s.%s", keyspace, table)
	}
	if len(pk) == 0 {
		return TableSchema{}, errors.Errorf("no primary-key columns found for %s.%s", keyspace, table)
	}

	sort.Slice(pk, func(i, j int) bool { return pk[i].position < pk[j].position })
	sort.Slice(val, func(i, j int) bool { return val[i].position < val[j].position })

	out := TableSchema{}
	for _, c := range pk {
		out.PKColumns = append(out.PKColumns, c.meta)
	}
	for _, c := range val {
		out.ValueColumns = append(out.ValueColumns, c.meta)
	}
	return out, nil
}

// classify maps a CQL type name to the codec's reduced type tag set.
func classify(cqlType string) types.CQLKind {
	switch {
	case strings.HasPrefix(cqlType, "list<"), strings.HasPrefix(cqlType, "set<"):
		return types.KindList
	}
	switch cqlType {
	case "text", "ascii", "varchar", "inet", "time", "uuid", "timeuuid":
		return types.KindText
	case "date":
		return types.KindDate
	case "timestamp":
		return types.KindTimestamp
	case "int", "smallint", "tinyint", "bigint", "varint", "float", "double", "decimal":
		return types.KindNumeric
	case "boolean":
		return types.KindBoolean
	case "blob":
		return types.KindBlob
	default:
		return types.KindUnknown
	}
}
