package main

import (
	"context"
	"fmt"

	"github.com/PaulBabatuyi/casevault/internal/config"
	"github.com/PaulBabatuyi/casevault/internal/objectstore"
	"github.com/PaulBabatuyi/casevault/internal/observability"
	"github.com/PaulBabatuyi/casevault/internal/scanner"
	"github.com/PaulBabatuyi/casevault/internal/storage"
	"github.com/PaulBabatuyi/casevault/internal/worker"
	"go.uber.org/zap"
)

// newBackend returns nil when no object store is configured.
func newBackend(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Backend, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "memory":
		return objectstore.NewMemoryBackend(), nil
	case "s3":
		return objectstore.NewS3Backend(ctx, objectstore.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Endpoint:        cfg.Endpoint,
			ForcePathStyle:  cfg.ForcePathStyle,
		})
	case "minio":
		return objectstore.NewMinioBackend(objectstore.MinioConfig{
			Endpoint:             cfg.Endpoint,
			Bucket:               cfg.Bucket,
			Region:               cfg.Region,
			AccessKeyID:          cfg.AccessKeyID,
			SecretAccessKey:      cfg.SecretAccessKey,
			UseSSL:               cfg.UseSSL,
			ServerSideEncryption: cfg.SSE,
		})
	case "gcs":
		return objectstore.NewGCSBackend(ctx, objectstore.GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			Endpoint:        cfg.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.Driver)
	}
}

type engine struct {
	manager *storage.Manager
	adapter *objectstore.Adapter // nil when running local-only
	pool    *worker.Pool
}

func (e *engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.StorageMetrics) (*engine, error) {
	local, err := storage.NewLocalStore(cfg.Storage.UploadDir)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	e := &engine{pool: worker.NewPool(cfg.Image.Workers)}

	deps := storage.Deps{
		Local:   local,
		Scanner: scanner.New(cfg.Scanner.ClamdAddr, logger),
		Transcoder: worker.NewTranscoder(worker.TranscoderConfig{
			MaxDimension:   cfg.Image.MaxDimension,
			Quality:        cfg.Image.Quality,
			UsePNG:         !cfg.Image.UseJPEG,
			AsyncThreshold: cfg.Image.AsyncThreshold,
			Metrics:        metrics,
		}, e.pool, logger),
		Logger:  logger,
		Metrics: metrics,
	}
	// Objects stays a nil interface when there is no backend.
	if backend != nil {
		e.adapter = objectstore.NewAdapter(backend, objectstore.AdapterConfig{
			ProbeTTL: cfg.ObjectStore.ProbeInterval,
		}, logger, metrics)
		deps.Objects = e.adapter
	}

	e.manager, err = storage.NewManager(storage.Config{
		MaxFileSize:       cfg.Storage.MaxFileSize,
		AllowedExtensions: cfg.Storage.AllowedExtensions,
		BackupToLocal:     cfg.Storage.BackupToLocal,
		RejectSuspicious:  cfg.Storage.RejectSuspicious,
		PresignTTL:        cfg.Storage.PresignTTL,
	}, deps)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
