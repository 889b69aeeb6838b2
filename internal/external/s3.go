package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"mailflow/internal/retry"
	"mailflow/internal/security"
	"mailflow/internal/types"
)

// S3API defines the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3PresignAPI defines the subset of s3.PresignClient used by S3Store.
type S3PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3StoreConfig holds the configuration for creating an S3Store.
type S3StoreConfig struct {
	// Endpoint overrides the S3 endpoint (LocalStack) and switches to
	// path-style addressing. Optional.
	Endpoint string
	Logger   types.Logger
}

// S3Store implements BlobStore on Amazon S3.
type S3Store struct {
	api       S3API
	presigner S3PresignAPI
	breaker   *retry.Breaker
	logger    types.Logger
}

// NewS3Store creates an S3Store from an AWS config.
func NewS3Store(awsCfg aws.Config, cfg S3StoreConfig) *S3Store {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithAPI(client, s3.NewPresignClient(client), cfg)
}

// NewS3StoreWithAPI creates an S3Store with pre-configured clients.
// Useful for testing with mock S3 interfaces.
func NewS3StoreWithAPI(api S3API, presigner S3PresignAPI, cfg S3StoreConfig) *S3Store {
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &S3Store{
		api:       api,
		presigner: presigner,
		breaker:   retry.NewBreaker("s3"),
		logger:    logger,
	}
}

// Upload writes data with server-side encryption.
func (s *S3Store) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(int64(len(data))),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := retry.Execute(s.breaker, func() (*s3.PutObjectOutput, error) {
		out, err := s.api.PutObject(ctx, input)
		if err != nil {
			return nil, mapS3Error("upload", bucket, key, err)
		}
		return out, nil
	})
	return err
}

// Download reads the whole object into memory.
func (s *S3Store) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	return retry.Execute(s.breaker, func() ([]byte, error) {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, mapS3Error("download", bucket, key, err)
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeStorage,
				fmt.Sprintf("s3: reading %s: %v", security.RedactKey(key), err), err)
		}
		return data, nil
	})
}

// PresignedURL signs a GET request valid for ttl. Signing is local and does
// not contact S3, so it bypasses the breaker.
func (s *S3Store) PresignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeStorage,
			fmt.Sprintf("s3: presign %s: %v", security.RedactKey(key), err), err)
	}
	return req.URL, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := retry.Execute(s.breaker, func() (*s3.DeleteObjectOutput, error) {
		out, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, mapS3Error("delete", bucket, key, err)
		}
		return out, nil
	})
	return err
}

// mapS3Error translates S3 errors into domain AppErrors. A missing object will
// not appear on redelivery, so it is permanent.
func mapS3Error(op, bucket, key string, err error) error {
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	var apiErr smithy.APIError

	switch {
	case errors.As(err, &noSuchKey):
		return objectMissing(op, bucket, key, err)
	case errors.As(err, &noSuchBucket):
		return objectMissing(op, bucket, key, err)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"):
		return objectMissing(op, bucket, key, err)
	}

	return types.NewAppError(types.ErrCodeStorage,
		fmt.Sprintf("s3: %s s3://%s/%s: %v", op, bucket, security.RedactKey(key), err), err)
}

func objectMissing(op, bucket, key string, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationObjectMissing,
		fmt.Sprintf("s3: %s: object s3://%s/%s does not exist", op, bucket, security.RedactKey(key)), err,
		map[string]any{"bucket": bucket})
}

// Compile-time assertion that S3Store satisfies BlobStore.
var _ BlobStore = (*S3Store)(nil)
