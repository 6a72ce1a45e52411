// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package artifact

import (
	"context"
	"io"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minioBackend is the S3-compatible Backend implementation, grounded in
// the teacher's own minio-go/v7 client usage (internal/s3/s3.go's
// retryGetObject).
type minioBackend struct {
	client *minio.Client
}

func newMinioBackend(cfg Config) (b *minioBackend, err kv.Error) {
	client, errGo := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Credentials.AccessKey, cfg.Credentials.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if errGo != nil {
		return nil, kv.Wrap(errGo, "failed to construct minio client").With("endpoint", cfg.Endpoint).With("stack", stack.Trace().TrimRuntime())
	}
	return &minioBackend{client: client}, nil
}

func (m *minioBackend) Get(ctx context.Context, bucket, key string, w io.Writer) (size int64, err kv.Error) {
	obj, errGo := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if errGo != nil {
		return 0, kv.Wrap(errGo, "minio GetObject failed").With("bucket", bucket, "key", key).With("stack", stack.Trace().TrimRuntime())
	}
	defer obj.Close()

	n, errGo := io.Copy(w, obj)
	if errGo != nil {
		return n, kv.Wrap(errGo, "minio object download failed").With("bucket", bucket, "key", key).With("stack", stack.Trace().TrimRuntime())
	}
	return n, nil
}

func (m *minioBackend) Close() {}
