// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package request describes the unit of work the broker hands to a
// worker: an ExecutionId paired with the ExecutionDetails needed to fetch
// an artifact and run it, plus the Artifact/Credentials vocabulary
// internal/artifact's storage backends authenticate with. None of this is
// part of the cache's own contract (internal/cache only ever sees a
// digest.Digest); it lives here so internal/dispatcher, internal/broker,
// and internal/artifact share one vocabulary instead of each rolling
// their own.
package request

import "github.com/nfachan/meticulous/internal/digest"

// ExecutionId is an opaque identifier the broker assigns to one unit of
// work. Workers never interpret its value, only echo it back in results.
type ExecutionId uint64

// ExecutionDetails is everything a worker needs to run one execution once
// its artifact is present on disk.
type ExecutionDetails struct {
	Artifact Artifact
	Command  string
	Args     []string
	Env      map[string]string
}

// Result is what a worker reports back to the broker once an execution
// has run to completion (or failed before running).
type Result struct {
	Execution ExecutionId
	ExitCode  int
	Err       string
}

// Artifact identifies one object-storage-backed archive a worker fetches
// through internal/artifact. Digest is the content hash internal/cache
// keys on and internal/artifact validates the download against.
// internal/dispatcher fetches by Digest alone, from its configured bucket
// with the digest's hex string as the key; it does not read Bucket, Key,
// Qualified, Unpack or Credentials.
type Artifact struct {
	Bucket      string
	Key         string
	Qualified   string // a bucket-and-key URI, e.g. "s3://bucket/key"
	Digest      digest.Digest
	Unpack      bool
	Credentials Credentials
}

// Credentials contains one of the supported credential types used to
// authenticate against the artifact's storage platform.
type Credentials struct {
	Plain *PlainCredential
	JWT   *JWTCredential
	AWS   *AWSCredential
}

// PlainCredential carries a plain user/password pair, e.g. for an FTP or
// basic-auth-protected endpoint.
type PlainCredential struct {
	User     string
	Password string
}

// JWTCredential carries a bearer token.
type JWTCredential struct {
	Token string
}

// AWSCredential carries an access/secret key pair for S3-compatible
// storage (used by both internal/artifact's minio-go and aws-sdk-go
// backends).
type AWSCredential struct {
	AccessKey string
	SecretKey string
	Region    string
}
