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

// Package stage creates standardized object-store clients for the
// per-tile staging layout (snapshots, CDC pointers, DLQ, stats, and
// stop flags), plus a Parquet reader/writer over that store.
package stage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/CashmereBulldog/cql-replicator/internal/types"
)

// s3Client is the subset of *s3.Client this package calls, so tests
// can substitute a fake.
type s3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store implements types.ObjectStore over a single bucket, rooted at
// an optional key prefix.
type S3Store struct {
	client s3Client
	bucket string
	prefix string
}

var _ types.ObjectStore = (*S3Store)(nil)

// OpenS3 parses a "s3://bucket/prefix" landing zone URI and returns a
// ready-to-use S3Store. Mirrors the standardized-pool-constructor shape
// (Open*(ctx, connectString, ...) (*X, error)) used throughout this
// codebase's session factories.
func OpenS3(ctx context.Context, landingZone string) (*S3Store, error) {
	bucket, prefix, err := parseLandingZone(landingZone)
	if err != nil {
		return nil, err
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func parseLandingZone(uri string) (bucket, prefix string, err error) {
	const schema = "s3://"
	if !strings.HasPrefix(uri, schema) {
		return "", "", errors.Errorf("landing zone %q must start with %q", uri, schema)
	}
	rest := uri[len(schema):]
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if bucket == "" {
		return "", "", errors.Errorf("landing zone %q is missing a bucket name", uri)
	}
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put writes body to key, fully replacing any prior object there.
func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(body),
	})
	return errors.Wrapf(err, "putting object %q", key)
}

// Get reads the full contents of key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting object %q", key)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	return body, errors.Wrapf(err, "reading object %q", key)
}

// List returns the keys (relative to the store's prefix) under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.fullKey(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing prefix %q", prefix)
		}
		for _, obj := range out.Contents {
			keys = append(keys, s.relativeKey(aws.ToString(obj.Key)))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func (s *S3Store) relativeKey(full string) string {
	if s.prefix == "" {
		return full
	}
	return strings.TrimPrefix(strings.TrimPrefix(full, s.prefix), "/")
}

// Delete removes key. A not-found response is treated as success,
// since two workers racing to delete the same stop flag is harmless.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil
	}
	return errors.Wrapf(err, "deleting object %q", key)
}

// Exists reports whether key is present.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err == nil {
		return true, nil
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, errors.Wrapf(err, "checking object %q", key)
}
