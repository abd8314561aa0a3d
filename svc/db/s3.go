package db

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

const s3OpTimeout = 10 * time.Second

// S3 stores objects in a bucket under an optional key prefix. Custom
// metadata rides the native object metadata.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Store = (*S3)(nil)

func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket name must not be empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load AWS config")
	}
	return &S3{client: s3.NewFromConfig(awsCfg), bucket: bucket, prefix: prefix}, nil
}

func (s *S3) applyPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *S3) stripPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, strings.TrimSuffix(s.prefix, "/")+"/")
}

func (s *S3) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.applyPrefix(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      meta,
	})
	return errors.Wrap(err, "s3 put")
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.applyPrefix(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "s3 get")
	}
	defer func() {
		_ = obj.Body.Close()
	}()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, errors.Wrap(err, "s3 read body")
	}
	return data, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.applyPrefix(key)),
	})
	return errors.Wrap(err, "s3 delete")
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuation *string
	for {
		listCtx, cancel := context.WithTimeout(ctx, s3OpTimeout)
		out, err := s.client.ListObjectsV2(listCtx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.applyPrefix(prefix)),
			ContinuationToken: continuation,
		})
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "s3 list")
		}
		for _, obj := range out.Contents {
			keys = append(keys, s.stripPrefix(aws.ToString(obj.Key)))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}
	return keys, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	return strings.Contains(err.Error(), "StatusCode: 404")
}

func (s *S3) Close() error { return nil }
