package models

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/storage"
)

// S3Config configures the S3 model store.
type S3Config struct {
	// Region is the AWS region, or the custom region of an S3-compatible
	// service such as minio.
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	Endpoint string
	// Bucket is the bucket holding the global models.
	Bucket string
	// ForcePathStyle must be set for most S3-compatible services.
	ForcePathStyle bool
}

// S3Store implements storage.Models on an S3 bucket. Models are stored as
// JSON blobs keyed by their global model id.
type S3Store struct {
	bucket     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

// NewS3Store builds the store from a fresh AWS session.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return &S3Store{
		bucket:     cfg.Bucket,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}, nil
}

func (s *S3Store) SetGlobalModel(ctx context.Context, roundID uint64, seed pet.RoundSeed, m mask.Model) (string, error) {
	id := storage.GlobalModelID(roundID, seed)

	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err == nil {
		return "", fmt.Errorf("%w: %s", storage.ErrModelExists, id)
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("probing global model %q: %w", id, err)
	}

	raw, err := encodeModel(m)
	if err != nil {
		return "", err
	}
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(id),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading global model %q: %w", id, err)
	}
	return id, nil
}

func (s *S3Store) GlobalModel(ctx context.Context, id string) (mask.Model, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNoGlobalModel
		}
		return nil, fmt.Errorf("downloading global model %q: %w", id, err)
	}
	return decodeModel(buf.Bytes())
}

func (s *S3Store) IsReady(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("probing bucket %q: %w", s.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return true
	}
	return false
}

var _ storage.Models = (*S3Store)(nil)
