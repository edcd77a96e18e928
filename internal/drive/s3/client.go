package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"
)

// objectAPI is the subset of *s3.Client the drive uses.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// largeUploader sends content above the multipart threshold and returns the
// new ETag.
type largeUploader func(ctx context.Context, archive cargoships3.Archive) (string, error)

// newClient loads the AWS configuration and builds the S3 client and, when
// enabled, the CargoShip transporter for large uploads.
func newClient(ctx context.Context, cfg *Config) (*s3.Client, largeUploader, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	if !cfg.EnableCargoShip {
		return client, nil, nil
	}
	transporter := cargoships3.NewTransporter(client, awsconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       awsconfig.StorageClassStandard,
		MultipartThreshold: cfg.MultipartThreshold,
		MultipartChunkSize: cfg.MultipartChunkSize,
		Concurrency:        cfg.Concurrency,
	})
	cfg.Logger.Info("CargoShip transporter enabled",
		zap.Int64("threshold", cfg.MultipartThreshold),
		zap.Int64("chunk_size", cfg.MultipartChunkSize),
		zap.Int("concurrency", cfg.Concurrency))

	logger := cfg.Logger
	upload := func(ctx context.Context, archive cargoships3.Archive) (string, error) {
		result, err := transporter.Upload(ctx, archive)
		if err != nil {
			return "", err
		}
		logger.Debug("CargoShip upload completed",
			zap.String("key", archive.Key),
			zap.Int64("size", archive.Size),
			zap.Float64("throughput_mbps", result.Throughput),
			zap.Duration("duration", result.Duration))
		return result.ETag, nil
	}
	return client, upload, nil
}
