package kvstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// metaExpiresAt is the user metadata key holding the unix second after which
// a bucket lifecycle job may reap the object.
// S3 lowercases metadata keys on the way back.
const metaExpiresAt = "expires-at"

// maxObjectBytes bounds reads so a stray large object cannot exhaust memory.
const maxObjectBytes = 4 << 20

// S3API is the subset of *s3.Client used by S3.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores one object per key at s3://{bucket}/{prefix}/{key}. The ttl hint
// is recorded in object metadata for lifecycle reaping and not checked on
// read.
type S3 struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

func NewS3(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	k := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, k)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxObjectBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.bucket, k)
	}
	if len(b) > maxObjectBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", s.bucket, k, maxObjectBytes)
	}
	return b, nil
}

func (s *S3) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	k := s.objectKey(key)
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
	}
	if ttl > 0 {
		in.Metadata = map[string]string{
			metaExpiresAt: strconv.FormatInt(reclaimAt(s.now(), ttl), 10),
		}
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, k)
	}
	return nil
}

// Delete relies on S3 treating deletes of missing objects as success.
func (s *S3) Delete(ctx context.Context, key string) error {
	k := s.objectKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil && !isS3NotFound(err) {
		return xerrors.Wrapf(err, "delete S3 object s3://%s/%s", s.bucket, k)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
