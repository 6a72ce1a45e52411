// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package artifact

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// awsBackend is the native-AWS Backend implementation, the alternate
// object-storage dependency the teacher's own go.mod carries alongside
// minio-go (root go.mod's github.com/aws/aws-sdk-go require line) for
// accounts that prefer talking to AWS directly rather than through an
// S3-compatible endpoint.
type awsBackend struct {
	client *s3.S3
}

func newAWSBackend(cfg Config) (b *awsBackend, err kv.Error) {
	region := cfg.Credentials.Region
	if region == "" {
		region = "us-west-1"
	}
	sess, errGo := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Endpoint:    aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentials(cfg.Credentials.AccessKey, cfg.Credentials.SecretKey, ""),
	})
	if errGo != nil {
		return nil, kv.Wrap(errGo, "failed to construct aws session").With("endpoint", cfg.Endpoint).With("stack", stack.Trace().TrimRuntime())
	}
	return &awsBackend{client: s3.New(sess)}, nil
}

func (a *awsBackend) Get(ctx context.Context, bucket, key string, w io.Writer) (size int64, err kv.Error) {
	out, errGo := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if errGo != nil {
		return 0, kv.Wrap(errGo, "aws GetObject failed").With("bucket", bucket, "key", key).With("stack", stack.Trace().TrimRuntime())
	}
	defer out.Body.Close()

	n, errGo := io.Copy(w, out.Body)
	if errGo != nil {
		return n, kv.Wrap(errGo, "aws object download failed").With("bucket", bucket, "key", key).With("stack", stack.Trace().TrimRuntime())
	}
	return n, nil
}

func (a *awsBackend) Close() {}
