package objectstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/naming"
	"github.com/PaulBabatuyi/casevault/internal/observability"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/PaulBabatuyi/casevault/internal/objectstore"

type AdapterConfig struct {
	// ProbeTTL is how long an availability answer is reused.
	ProbeTTL time.Duration
	// PresignCacheTTL bounds how long a generated URL is handed out again.
	// URLs whose ttl is not at least twice this value are never cached.
	PresignCacheTTL  time.Duration
	PresignCacheSize int
}

type presignEntry struct {
	url string
	ttl time.Duration
}

// Adapter wraps a Backend. Every operation logs its own failure and returns a
// negative result; nothing SDK specific escapes.
type Adapter struct {
	backend Backend
	config  AdapterConfig
	logger  *zap.Logger
	metrics *observability.StorageMetrics
	tracer  trace.Tracer
	presign *expirable.LRU[string, presignEntry]

	mu        sync.Mutex
	probedAt  time.Time
	available bool
}

func NewAdapter(backend Backend, config AdapterConfig, logger *zap.Logger, metrics *observability.StorageMetrics) *Adapter {
	if config.ProbeTTL == 0 {
		config.ProbeTTL = 30 * time.Second
	}
	if config.PresignCacheTTL == 0 {
		config.PresignCacheTTL = 5 * time.Minute
	}
	if config.PresignCacheSize == 0 {
		config.PresignCacheSize = 1024
	}
	return &Adapter{
		backend: backend,
		config:  config,
		logger:  observability.OrNop(logger).Named("objectstore").With(zap.String("backend", backend.Name())),
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		presign: expirable.NewLRU[string, presignEntry](config.PresignCacheSize, nil, config.PresignCacheTTL),
	}
}

// Name returns the driver name of the wrapped backend.
func (a *Adapter) Name() string {
	return a.backend.Name()
}

// NewKey derives a fresh object key. Uniqueness rests on the random id.
func (a *Adapter) NewKey(scope, category, ext string) string {
	return naming.ObjectKey(scope, category, ext)
}

// Put uploads data with the writer tag as metadata, overwriting any object
// under key.
func (a *Adapter) Put(ctx context.Context, key string, data []byte, contentType string) bool {
	err := a.observe(ctx, "put", key, func(ctx context.Context) error {
		return a.backend.Put(ctx, key, data, contentType, map[string]string{"uploaded-by": WriterTag})
	})
	if err != nil {
		a.logger.Error("put failed", zap.String("key", key), zap.Int("size", len(data)), zap.Error(err))
		return false
	}
	a.logger.Debug("object stored", zap.String("key", key), zap.Int("size", len(data)))
	return true
}

// Get returns the object bytes, or nil when the read fails for any reason.
func (a *Adapter) Get(ctx context.Context, key string) []byte {
	var data []byte
	err := a.observe(ctx, "get", key, func(ctx context.Context) error {
		var err error
		data, err = a.backend.Get(ctx, key)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.logger.Warn("object not found", zap.String("key", key))
		} else {
			a.logger.Error("get failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	return data
}

// Delete removes key. A missing key counts as success.
func (a *Adapter) Delete(ctx context.Context, key string) bool {
	a.presign.Remove(key)
	err := a.observe(ctx, "delete", key, func(ctx context.Context) error {
		return a.backend.Delete(ctx, key)
	})
	if err != nil {
		a.logger.Error("delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Exists reports whether key is present. Errors read as absent.
func (a *Adapter) Exists(ctx context.Context, key string) bool {
	var ok bool
	err := a.observe(ctx, "exists", key, func(ctx context.Context) error {
		var err error
		ok, err = a.backend.Exists(ctx, key)
		return err
	})
	if err != nil {
		a.logger.Error("exists check failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

// PresignedURL returns a time boxed read URL for key.
func (a *Adapter) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	cacheable := ttl >= 2*a.config.PresignCacheTTL
	if cacheable {
		if e, ok := a.presign.Get(key); ok && e.ttl == ttl {
			a.metrics.IncPresignCacheHit()
			return e.url, true
		}
	}

	var url string
	err := a.observe(ctx, "presign", key, func(ctx context.Context) error {
		var err error
		url, err = a.backend.PresignGet(ctx, key, ttl)
		return err
	})
	if err != nil {
		a.logger.Error("presign failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if cacheable {
		a.presign.Add(key, presignEntry{url: url, ttl: ttl})
	}
	return url, true
}

// Available returns the last probe result, probing again once it is older
// than ProbeTTL.
func (a *Adapter) Available(ctx context.Context) bool {
	a.mu.Lock()
	fresh := !a.probedAt.IsZero() && time.Since(a.probedAt) < a.config.ProbeTTL
	available := a.available
	a.mu.Unlock()

	if fresh {
		return available
	}
	return a.Probe(ctx)
}

// Probe checks the bucket now and caches the answer.
func (a *Adapter) Probe(ctx context.Context) bool {
	err := a.observe(ctx, "ping", "", a.backend.Ping)
	if err != nil {
		a.logger.Warn("object store unreachable", zap.Error(err))
	}

	a.mu.Lock()
	a.probedAt = time.Now()
	a.available = err == nil
	a.mu.Unlock()
	return err == nil
}

// List returns every object under prefix. Unlike the other operations it
// reports its error, since a partial listing must not be mistaken for a
// complete one.
func (a *Adapter) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := a.observe(ctx, "list", prefix, func(ctx context.Context) error {
		return a.backend.List(ctx, prefix, func(info ObjectInfo) error {
			out = append(out, info)
			return nil
		})
	})
	if err != nil {
		a.logger.Error("list failed", zap.String("prefix", prefix), zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (a *Adapter) observe(ctx context.Context, op, key string, fn func(context.Context) error) error {
	ctx, span := a.tracer.Start(ctx, "objectstore."+op, trace.WithAttributes(
		attribute.String("objectstore.backend", a.backend.Name()),
		attribute.String("objectstore.key", key),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	a.metrics.ObserveOperation(op, a.backend.Name(), time.Since(start), err == nil || errors.Is(err, ErrNotFound))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	return err
}
