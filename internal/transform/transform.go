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

// Package transform implements the optional column-set compression and
// large-object offload steps that a row's JSON payload passes through
// before being applied to the target.
package transform

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// CompressionConfig selects which non-primary-key columns get
// stripped, compressed, and re-attached under TargetNameColumn.
type CompressionConfig struct {
	Enabled          bool
	Columns          []string // explicit list; ignored if All is true
	All              bool     // "all non-pk" columns
	TargetNameColumn string
}

// LargeObjectConfig selects the single "large column" that gets
// offloaded to blob storage.
type LargeObjectConfig struct {
	Enabled           bool
	Column            string
	Bucket            string
	Prefix            string
	EnableRefByTimeUUID bool
	XrefColumn        string
}

// Transformer applies LargeObjectConfig and then CompressionConfig:
// offload runs first (since it removes the large column from
// consideration), then compression over what remains. Primary-key
// columns and the large-object reference column are never compressed.
type Transformer struct {
	Compression CompressionConfig
	LargeObject LargeObjectConfig
	Store       types.ObjectStore
	PKColumns   map[string]bool
	NewUUID     func() string
}

// New returns a Transformer whose NewUUID is uuid.NewString; tests may
// replace NewUUID with a deterministic generator.
func New(cc CompressionConfig, lc LargeObjectConfig, store types.ObjectStore, pkColumns []string) *Transformer {
	pk := make(map[string]bool, len(pkColumns))
	for _, c := range pkColumns {
		pk[c] = true
	}
	return &Transformer{
		Compression: cc,
		LargeObject: lc,
		Store:       store,
		PKColumns:   pk,
		NewUUID:     uuid.NewString,
	}
}

// Apply transforms the decoded field map of a row's JSON payload,
// returning the transformed map. whereClause is the row's rendered
// WHERE clause, used to derive the large-object key when time-UUID
// referencing is disabled.
func (t *Transformer) Apply(ctx context.Context, fields map[string]any, whereClause string) (map[string]any, error) {
	out := fields
	if t.LargeObject.Enabled {
		var err error
		out, err = t.offload(ctx, out, whereClause)
		if err != nil {
			return nil, err
		}
	}
	if t.Compression.Enabled {
		var err error
		out, err = t.compress(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Transformer) offload(ctx context.Context, fields map[string]any, whereClause string) (map[string]any, error) {
	raw, ok := fields[t.LargeObject.Column]
	if !ok {
		return fields, nil
	}

	payload, err := scalarBytes(raw)
	if err != nil {
		return nil, types.WithKind(types.KindLargeObjectUpload, err)
	}

	compressed, err := lz4Compress(payload)
	if err != nil {
		return nil, types.WithKind(types.KindLargeObjectUpload, err)
	}

	var key, ref string
	if t.LargeObject.EnableRefByTimeUUID {
		id := t.newUUID()
		key = joinPrefix(t.LargeObject.Prefix, id)
		ref = id
	} else {
		key = joinPrefix(t.LargeObject.Prefix, "key="+keyFromWhere(whereClause)) + "/payload"
	}

	if err := t.Store.Put(ctx, key, compressed); err != nil {
		return nil, types.WithKind(types.KindLargeObjectUpload, errors.Wrap(err, "uploading large object"))
	}

	out := cloneFields(fields)
	delete(out, t.LargeObject.Column)
	if t.LargeObject.EnableRefByTimeUUID && t.LargeObject.XrefColumn != "" {
		out[t.LargeObject.XrefColumn] = ref
	}
	return out, nil
}

func (t *Transformer) newUUID() string {
	if t.NewUUID != nil {
		return t.NewUUID()
	}
	return uuid.NewString()
}

// keyFromWhere derives the "pk1:pk2:..." key fragment by concatenating
// the value fragments of a rendered WHERE clause with ':'.
func keyFromWhere(whereClause string) string {
	var parts []string
	for _, clause := range strings.Split(whereClause, " AND ") {
		eq := strings.Index(clause, "=")
		if eq < 0 {
			continue
		}
		v := strings.TrimSpace(clause[eq+1:])
		v = strings.Trim(v, "'")
		parts = append(parts, v)
	}
	return strings.Join(parts, ":")
}

func joinPrefix(prefix, rest string) string {
	if prefix == "" {
		return rest
	}
	return strings.TrimRight(prefix, "/") + "/" + rest
}

func (t *Transformer) compress(fields map[string]any) (map[string]any, error) {
	subtree := make(map[string]any)
	out := cloneFields(fields)
	for name := range out {
		if t.PKColumns[name] {
			continue
		}
		if t.LargeObject.Enabled && t.LargeObject.EnableRefByTimeUUID && name == t.LargeObject.XrefColumn {
			continue // the large-object reference stays readable on the target
		}
		if t.Compression.All || containsString(t.Compression.Columns, name) {
			subtree[name] = out[name]
			delete(out, name)
		}
	}
	if len(subtree) == 0 {
		return nil, types.WithKind(types.KindCompressionFailure,
			errors.New("compression configured but resulting subtree is empty"))
	}

	encoded, err := json.Marshal(subtree)
	if err != nil {
		return nil, types.WithKind(types.KindCompressionFailure, errors.Wrap(err, "marshaling compression subtree"))
	}
	compressed, err := lz4Compress(encoded)
	if err != nil {
		return nil, types.WithKind(types.KindCompressionFailure, err)
	}
	out[t.Compression.TargetNameColumn] = hex.EncodeToString(compressed)
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func scalarBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		b, err := json.Marshal(t)
		return b, errors.WithStack(err)
	}
}

// lz4Compress compresses src and prepends a 4-byte big-endian length
// prefix carrying the uncompressed size, the format Decompress reads.
func lz4Compress(src []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(src))+4)
	putUint32(buf, uint32(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, buf[4:])
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	return buf[:4+n], nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Decompress reverses lz4Compress: it reads the 4-byte length prefix
// and inflates the remainder into a buffer of that size.
func Decompress(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, errors.New("lz4 payload too short for length prefix")
	}
	n := uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3])
	dst := make([]byte, n)
	written, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	return dst[:written], nil
}
