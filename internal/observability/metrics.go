package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsCollector wraps Prometheus metrics for the gRPC server
type MetricsCollector struct {
	serverMetrics *grpcprom.ServerMetrics
	handler       http.Handler
}

// InitMetrics initializes Prometheus metrics for the gRPC server
func InitMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*MetricsCollector, error) {
	serverMetrics := grpcprom.NewServerMetrics(
		grpcprom.WithServerHandlingTimeHistogram(
			grpcprom.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}),
		),
	)

	serverMetrics, err := registerAs(reg, serverMetrics)
	if err != nil {
		return nil, err
	}

	return &MetricsCollector{
		serverMetrics: serverMetrics,
		handler:       promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}, nil
}

// GetServerMetrics returns the gRPC server metrics
func (mc *MetricsCollector) GetServerMetrics() *grpcprom.ServerMetrics {
	return mc.serverMetrics
}

// GetHandler returns the HTTP handler for /metrics endpoint
func (mc *MetricsCollector) GetHandler() http.Handler {
	return mc.handler
}

// StartMetricsServer serves /health and /metrics on addr until ctx is done
func StartMetricsServer(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return srv
}

// StorageMetrics holds the storage engine's collectors. A nil
// *StorageMetrics is valid and records nothing.
type StorageMetrics struct {
	operations  *prometheus.HistogramVec
	saves       *prometheus.CounterVec
	fallbacks   prometheus.Counter
	transcodes  *prometheus.HistogramVec
	threats     prometheus.Counter
	presignHits prometheus.Counter
}

// NewStorageMetrics creates and registers the storage collectors on reg
func NewStorageMetrics(reg prometheus.Registerer) (*StorageMetrics, error) {
	m := &StorageMetrics{
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casevault",
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Duration of backend storage operations.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "backend", "result"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casevault",
			Subsystem: "storage",
			Name:      "saves_total",
			Help:      "Successful saves by resulting backend tag.",
		}, []string{"backend"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casevault",
			Subsystem: "storage",
			Name:      "local_fallbacks_total",
			Help:      "Saves that fell back to local disk.",
		}),
		transcodes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casevault",
			Subsystem: "transcoder",
			Name:      "duration_seconds",
			Help:      "HEIC conversion duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"mode", "result"}),
		threats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casevault",
			Subsystem: "scanner",
			Name:      "threats_total",
			Help:      "Heuristic threat findings.",
		}),
		presignHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casevault",
			Subsystem: "objectstore",
			Name:      "presign_cache_hits_total",
			Help:      "Presigned URLs served from cache.",
		}),
	}

	var err error
	if m.operations, err = registerAs(reg, m.operations); err != nil {
		return nil, err
	}
	if m.saves, err = registerAs(reg, m.saves); err != nil {
		return nil, err
	}
	if m.fallbacks, err = registerAs(reg, m.fallbacks); err != nil {
		return nil, err
	}
	if m.transcodes, err = registerAs(reg, m.transcodes); err != nil {
		return nil, err
	}
	if m.threats, err = registerAs(reg, m.threats); err != nil {
		return nil, err
	}
	if m.presignHits, err = registerAs(reg, m.presignHits); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *StorageMetrics) ObserveOperation(op, backend string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, backend, result(ok)).Observe(d.Seconds())
}

func (m *StorageMetrics) IncSave(backend string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(backend).Inc()
}

func (m *StorageMetrics) IncFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *StorageMetrics) ObserveTranscode(mode string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.transcodes.WithLabelValues(mode, result(ok)).Observe(d.Seconds())
}

func (m *StorageMetrics) AddThreats(n int) {
	if m == nil || n == 0 {
		return
	}
	m.threats.Add(float64(n))
}

func (m *StorageMetrics) IncPresignCacheHit() {
	if m == nil {
		return
	}
	m.presignHits.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// register tolerates collectors that are already registered, which happens
// when tests build several servers against the default registry.
func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

func registerAs[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	got, err := register(reg, c)
	if err != nil {
		return c, err
	}
	existing, ok := got.(T)
	if !ok {
		return c, nil
	}
	return existing, nil
}
