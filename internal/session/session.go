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

// Package session creates standardized gocql sessions for the source
// and target clusters. Pool sizing, retry policy, and auth are left at
// the driver's defaults — the execution environment that runs this
// binary owns those concerns, per the out-of-scope collaborators list.
package session

import (
	"context"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// Session wraps a *gocql.Session as both types.SourceSession and
// types.TargetSession; the applier and ledger only ever need one or
// the other, but a real cluster connection satisfies both ports.
type Session struct {
	session *gocql.Session
}

var (
	_ types.SourceSession = (*Session)(nil)
	_ types.TargetSession = (*Session)(nil)
)

// Open connects to hosts under keyspace using gocql's defaults plus a
// quorum consistency level, matching the teacher's standardized-pool
// constructor shape (Open*(ctx, ...) (*X, error)).
func Open(ctx context.Context, hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Context = ctx

	sess, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to cluster at %v", hosts)
	}
	return &Session{session: sess}, nil
}

// Query runs stmt and returns a SourceRows cursor over the result.
func (s *Session) Query(ctx context.Context, stmt string, args ...any) (types.SourceRows, error) {
	return &rows{iter: s.session.Query(stmt, args...).WithContext(ctx).Iter()}, nil
}

// Exec runs a non-paged statement, used by the target session for
// INSERT/UPDATE/DELETE and the ledger's own bookkeeping writes.
func (s *Session) Exec(ctx context.Context, stmt string, args ...any) error {
	return s.session.Query(stmt, args...).WithContext(ctx).Exec()
}

// Close releases the underlying connection pool.
func (s *Session) Close() { s.session.Close() }

// rows adapts *gocql.Iter to types.SourceRows.
type rows struct {
	iter *gocql.Iter
	err  error
}

func (r *rows) Next(dest ...any) bool {
	ok := r.iter.Scan(dest...)
	if !ok {
		r.err = r.iter.Close()
	}
	return ok
}

func (r *rows) Err() error { return r.err }

func (r *rows) Close() error { return r.iter.Close() }
