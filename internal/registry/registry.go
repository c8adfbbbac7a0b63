package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"fleet-rollout/internal/config"
	"fleet-rollout/internal/models"
)

// ErrFirmwareNotFound reports that no artifact exists for the version id.
var ErrFirmwareNotFound = errors.New("firmware version not found")

// FirmwareRegistry resolves an immutable firmware artifact from its version id.
type FirmwareRegistry interface {
	GetFirmware(ctx context.Context, versionID string) (models.Firmware, error)
}

// S3Registry serves firmware out of an S3 bucket. The object key is the
// version id; the content hash lives in the object's sha256 metadata, and
// devices download through a presigned GET so the bucket stays private.
type S3Registry struct {
	bucket  string
	urlTTL  time.Duration
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Registry builds the registry from config, loading AWS credentials from
// the environment the usual way.
func NewS3Registry(ctx context.Context, cfg config.Config) (*S3Registry, error) {
	if cfg.FirmwareBucket == "" {
		return nil, errors.New("firmware bucket not configured")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	ttl := cfg.FirmwareURLTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &S3Registry{
		bucket:  cfg.FirmwareBucket,
		urlTTL:  ttl,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func (r *S3Registry) GetFirmware(ctx context.Context, versionID string) (models.Firmware, error) {
	head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(versionID),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return models.Firmware{}, ErrFirmwareNotFound
		}
		return models.Firmware{}, fmt.Errorf("head firmware object: %w", err)
	}

	hash := head.Metadata["sha256"]
	if hash == "" {
		return models.Firmware{}, fmt.Errorf("firmware %s has no sha256 metadata", versionID)
	}

	presigned, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(versionID),
	}, s3.WithPresignExpires(r.urlTTL))
	if err != nil {
		return models.Firmware{}, fmt.Errorf("presign firmware url: %w", err)
	}

	return models.Firmware{
		VersionID: versionID,
		URL:       presigned.URL,
		Hash:      hash,
		SizeBytes: aws.ToInt64(head.ContentLength),
	}, nil
}

// StaticRegistry serves a fixed firmware catalog, for development and tests.
type StaticRegistry struct {
	byVersion map[string]models.Firmware
}

// NewStaticRegistry indexes the given artifacts by version id.
func NewStaticRegistry(artifacts ...models.Firmware) *StaticRegistry {
	m := make(map[string]models.Firmware, len(artifacts))
	for _, a := range artifacts {
		m[a.VersionID] = a
	}
	return &StaticRegistry{byVersion: m}
}

func (r *StaticRegistry) GetFirmware(_ context.Context, versionID string) (models.Firmware, error) {
	fw, ok := r.byVersion[versionID]
	if !ok {
		return models.Firmware{}, ErrFirmwareNotFound
	}
	return fw, nil
}
