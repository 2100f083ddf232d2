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

// Package codec renders source row values into CQL literal text, for
// use in WHERE clauses or INSERT JSON payloads.
package codec

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// layout is the source timestamp format: yyyy-MM-dd'T'HH:mm:ss.SSSZ
// with "Z" standing in for +0000, as documented by the value codec.
const layout = "2006-01-02T15:04:05.000-0700"

// Render renders v, which is the value of a column described by col,
// into CQL literal text. An unsupported Kind fails with
// types.KindCassandraTypeUnknown.
func Render(col types.ColumnMeta, v any) (string, error) {
	switch col.Kind {
	case types.KindText, types.KindDate:
		s, err := asString(v)
		if err != nil {
			return "", err
		}
		if col.Kind == types.KindDate {
			s = asDate(s)
		}
		return quote(s), nil
	case types.KindTimestamp:
		millis, err := renderTimestampMillis(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(millis, 10), nil
	case types.KindNumeric:
		return renderNumeric(v)
	case types.KindBoolean:
		b, err := asBool(v)
		if err != nil {
			return "", err
		}
		if b {
			return "true", nil
		}
		return "false", nil
	case types.KindBlob:
		return renderBlob(v)
	case types.KindList:
		return renderList(col, v)
	default:
		return "", types.WithKind(types.KindCassandraTypeUnknown,
			errors.Errorf("unsupported cql type for column %q", col.Name))
	}
}

// quote single-quotes s, doubling any internal single quote.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// asDate trims a datetime string down to its date component, if the
// value looks like a full timestamp rather than a bare date.
func asDate(s string) string {
	if i := strings.IndexAny(s, "T "); i >= 0 {
		return s[:i]
	}
	return s
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	case nil:
		return "", errors.New("nil value for text-family column")
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		return b, errors.WithStack(err)
	default:
		return false, errors.Errorf("cannot render %T as boolean", v)
	}
}

// renderTimestampMillis accepts either a native time.Time/int64-millis
// value or a string in `layout`, with "Z" meaning +0000 and fractional
// seconds shorter than 3 digits right-padded with '0'.
func renderTimestampMillis(v any) (int64, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli(), nil
	case int64:
		return t, nil
	case string:
		return parseTimestampString(t)
	default:
		return 0, errors.Errorf("cannot render %T as timestamp", v)
	}
}

func parseTimestampString(s string) (int64, error) {
	s = normalizeTimestampString(s)
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing timestamp %q", s)
	}
	return t.UnixMilli(), nil
}

// normalizeTimestampString rewrites a trailing "Z" to "+0000" and
// right-pads a short (or missing) fractional-second component with
// zeros so the fixed-width layout above can parse it.
func normalizeTimestampString(s string) string {
	if strings.HasSuffix(s, "Z") {
		s = s[:len(s)-1] + "+0000"
	}
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		// No fractional seconds: insert ".000" ahead of the zone offset.
		if t := strings.IndexByte(s, 'T'); t >= 0 {
			if z := strings.IndexAny(s[t:], "+-"); z >= 0 {
				return s[:t+z] + ".000" + s[t+z:]
			}
		}
		return s
	}
	// Find where the fractional digits end (next '+', '-' after the dot).
	end := len(s)
	for i := dot + 1; i < len(s); i++ {
		if s[i] == '+' || s[i] == '-' {
			end = i
			break
		}
	}
	frac := s[dot+1 : end]
	for len(frac) < 3 {
		frac += "0"
	}
	return s[:dot+1] + frac + s[end:]
}

func renderNumeric(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func renderBlob(v any) (string, error) {
	var b []byte
	switch t := v.(type) {
	case []byte:
		b = t
	case string:
		b = []byte(t)
	default:
		return "", errors.Errorf("cannot render %T as blob", v)
	}
	if len(b) == 0 {
		return "0x", nil
	}
	return "0x" + hex.EncodeToString(b), nil
}

// isQuotedFamily reports whether a list element of kind k should be
// single-quoted within the rendered list literal.
func isQuotedFamily(k types.CQLKind) bool {
	switch k {
	case types.KindText, types.KindDate, types.KindTimestamp:
		return true
	default:
		return false
	}
}

func renderList(col types.ColumnMeta, v any) (string, error) {
	elems, ok := v.([]any)
	if !ok {
		return "", errors.Errorf("cannot render %T as list<%v>", v, col.Elem)
	}
	elemCol := types.ColumnMeta{Name: col.Name, Kind: col.Elem}
	parts := make([]string, len(elems))
	for i, e := range elems {
		rendered, err := Render(elemCol, e)
		if err != nil {
			return "", err
		}
		// Temporal elements render as unquoted epoch millis from
		// Render; the list literal wants them quoted like text, per
		// the quoted-element-family rule, so re-wrap when needed.
		if isQuotedFamily(col.Elem) && col.Elem == types.KindTimestamp {
			rendered = "'" + rendered + "'"
		}
		parts[i] = rendered
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

// EmptyBlobToCanonical replaces an empty-string value for a blob
// column with the protocol-level canonical empty blob ("0x") in a JSON
// payload's decoded field map, in place.
func EmptyBlobToCanonical(fields map[string]any, blobColumns map[string]bool) {
	for name := range blobColumns {
		if v, ok := fields[name]; ok {
			if s, ok := v.(string); ok && s == "" {
				fields[name] = "0x"
			}
		}
	}
}
