// Package storage uploads reply attachments to the public attachments bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"userbird-backend/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/labstack/echo/v4"
)

// Storage stores an object and returns its public URL. Uploading to an
// existing key overwrites it.
type Storage interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// S3Storage talks to Supabase Storage through its S3-compatible endpoint.
type S3Storage struct {
	client        *s3.Client
	bucket        string
	publicURLBase string
	logger        echo.Logger
	bucketChecked atomic.Bool
}

func NewS3Storage(ctx context.Context, cfg *config.Config, logger echo.Logger) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Storage.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKey, cfg.Storage.SecretKey, "")),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Storage.URL)
		o.UsePathStyle = true
	})

	base := cfg.Storage.PublicURLBase
	if base == "" {
		base = strings.TrimSuffix(strings.TrimSuffix(cfg.Storage.URL, "/"), "/s3") + "/object/public"
	}

	return &S3Storage{
		client:        client,
		bucket:        cfg.Storage.Bucket,
		publicURLBase: strings.TrimSuffix(base, "/"),
		logger:        logger,
	}, nil
}

func (s *S3Storage) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	s.ensureBucket(ctx)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	return s.PublicURL(key), nil
}

// PublicURL is <public base>/<bucket>/<key> with each key segment escaped.
func (s *S3Storage) PublicURL(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicURLBase + "/" + s.bucket + "/" + strings.Join(segments, "/")
}

// ensureBucket creates the bucket on first use. A failed creation is
// logged and ignored; concurrent first uploads may both attempt it.
func (s *S3Storage) ensureBucket(ctx context.Context) {
	if s.bucketChecked.Load() {
		return
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
		if err != nil {
			s.logger.Warnf("Could not create bucket %s, continuing: %v", s.bucket, err)
		} else {
			s.logger.Infof("Created storage bucket %s", s.bucket)
		}
	}
	s.bucketChecked.Store(true)
}

// removeDisableGzip works around S3 signature errors with Supabase Storage.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
