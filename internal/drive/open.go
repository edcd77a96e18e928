// Package drive opens the remote drive selected by the configuration.
package drive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/config"
	"github.com/objectfs/drivefs/internal/drive/graph"
	"github.com/objectfs/drivefs/internal/drive/memdrive"
	"github.com/objectfs/drivefs/internal/drive/s3"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// Open builds the drive named by cfg.Drive.Backend.
func Open(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (types.Drive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Drive.Backend {
	case config.BackendGraph:
		return openGraph(ctx, cfg.Drive.Graph, logger)
	case config.BackendS3:
		return openS3(ctx, cfg, logger)
	case config.BackendMemory:
		logger.Warn("using in-memory drive, content is lost on unmount")
		return memdrive.New(), nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown drive backend %q", cfg.Drive.Backend)).WithComponent("drive")
	}
}

func openGraph(ctx context.Context, gc config.GraphConfig, logger *zap.Logger) (types.Drive, error) {
	ts, err := graph.NewTokenSource(ctx, graph.AuthConfig{
		ClientID:     gc.ClientID,
		Tenant:       gc.Tenant,
		RefreshToken: gc.RefreshToken,
		AccessToken:  gc.AccessToken,
		OnRefresh: func(string) {
			logger.Info("graph refresh token rotated")
		},
	})
	if err != nil {
		return nil, err
	}
	client, err := graph.New(graph.Config{
		BaseURL: gc.BaseURL,
		DriveID: gc.DriveID,
		SiteID:  gc.SiteID,
		Timeout: gc.Timeout,
		Token:   ts,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("opened graph drive", zap.Stringer("drive", client))
	return client, nil
}

func openS3(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (types.Drive, error) {
	sc := cfg.Drive.S3
	d, err := s3.New(ctx, &s3.Config{
		Bucket:             sc.Bucket,
		Prefix:             sc.Prefix,
		Region:             sc.Region,
		Endpoint:           sc.Endpoint,
		AccessKeyID:        sc.AccessKeyID,
		SecretAccessKey:    sc.SecretAccessKey,
		ForcePathStyle:     sc.ForcePathStyle,
		MaxRetries:         sc.MaxRetries,
		Concurrency:        sc.Concurrency,
		EnableCargoShip:    sc.EnableCargoShip,
		MultipartThreshold: cfg.MultipartThreshold(),
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("opened s3 drive", zap.String("bucket", sc.Bucket), zap.String("prefix", sc.Prefix))
	return d, nil
}

// UploadChunkSize rounds size down to what the drive accepts for chunked
// uploads.
func UploadChunkSize(d types.Drive, size int64) int64 {
	if _, ok := d.(*graph.Client); !ok {
		return size
	}
	if size < graph.ChunkAlignment {
		return graph.ChunkAlignment
	}
	return size - size%graph.ChunkAlignment
}
