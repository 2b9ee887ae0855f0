// Package storage stores case documents across a primary object store and
// local disk.
//
// A save validates, optionally converts HEIC photos, hashes, optionally
// encrypts and then writes to the object store, falling back to local disk
// when the store is unavailable or the write fails. The returned metadata is
// persisted by the caller; reads and deletes take the location it records.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/checksum"
	"github.com/PaulBabatuyi/casevault/internal/envelope"
	"github.com/PaulBabatuyi/casevault/internal/models"
	"github.com/PaulBabatuyi/casevault/internal/naming"
	"github.com/PaulBabatuyi/casevault/internal/observability"
	"github.com/PaulBabatuyi/casevault/internal/scanner"
	"github.com/PaulBabatuyi/casevault/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ObjectStore is the primary backend. *objectstore.Adapter implements it.
type ObjectStore interface {
	Name() string
	Available(ctx context.Context) bool
	NewKey(scope, category, ext string) string
	Put(ctx context.Context, key string, data []byte, contentType string) bool
	Get(ctx context.Context, key string) []byte
	Delete(ctx context.Context, key string) bool
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, bool)
}

type Transcoder interface {
	Transcode(ctx context.Context, data []byte) (worker.Conversion, error)
}

type ThreatScanner interface {
	Scan(ctx context.Context, data []byte) scanner.Result
}

type Config struct {
	MaxFileSize       int64
	AllowedExtensions []string
	// BackupToLocal mirrors successful object-store writes to backup/{case}/.
	BackupToLocal bool
	// RejectSuspicious turns a non-clean scan into a ValidationError.
	RejectSuspicious bool
	PresignTTL       time.Duration
}

// Deps are the collaborators of a Manager. Objects, Transcoder and Scanner
// may be nil.
type Deps struct {
	Local      *LocalStore
	Objects    ObjectStore
	Transcoder Transcoder
	Scanner    ThreatScanner
	Logger     *zap.Logger
	Metrics    *observability.StorageMetrics
}

// SaveResult is the outcome of a successful save.
type SaveResult struct {
	LocalPath string
	ObjectKey string
	Metadata  models.StoredFileMetadata
	Scan      scanner.Result
}

type Manager struct {
	config  Config
	allowed map[string]bool
	sorted  []string

	local      *LocalStore
	objects    ObjectStore
	transcoder Transcoder
	scanner    ThreatScanner
	logger     *zap.Logger
	metrics    *observability.StorageMetrics
	tracer     trace.Tracer
}

func NewManager(config Config, deps Deps) (*Manager, error) {
	if deps.Local == nil {
		return nil, errors.New("storage: local store is required")
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = DefaultAllowedExtensions
	}
	if config.PresignTTL <= 0 {
		config.PresignTTL = time.Hour
	}

	allowed := make(map[string]bool, len(config.AllowedExtensions))
	for _, ext := range config.AllowedExtensions {
		allowed[ext] = true
	}
	sorted := append([]string(nil), config.AllowedExtensions...)
	sort.Strings(sorted)

	return &Manager{
		config:     config,
		allowed:    allowed,
		sorted:     sorted,
		local:      deps.Local,
		objects:    deps.Objects,
		transcoder: deps.Transcoder,
		scanner:    deps.Scanner,
		logger:     observability.OrNop(deps.Logger).Named("storage"),
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("github.com/PaulBabatuyi/casevault/internal/storage"),
	}, nil
}

// Save stores an upload. It returns a *ValidationError for bad input and an
// error matching ErrStorageFailed when no backend accepted the bytes; in
// that case nothing is left behind for the caller to persist.
func (m *Manager) Save(ctx context.Context, req models.UploadRequest) (res *SaveResult, err error) {
	ctx, span := m.tracer.Start(ctx, "storage.Save", trace.WithAttributes(
		attribute.String("case.id", req.CaseID),
		attribute.Bool("file.encrypt", req.Encrypt),
	))
	defer func() {
		endSpan(span, err)
	}()

	ext, err := m.validate(req)
	if err != nil {
		return nil, err
	}
	category, _ := models.ParseCategory(string(req.Category))

	data, err := m.readBody(req.Body)
	if err != nil {
		return nil, err
	}

	converted := false
	if worker.IsHEIC(ext) && m.transcoder != nil {
		conv, err := m.transcoder.Transcode(ctx, data)
		if err != nil {
			return nil, err
		}
		data, ext, converted = conv.Data, conv.Ext, conv.Converted
	}

	stored := naming.SecureFilename(req.Filename, req.TenantID)
	if converted {
		stored = naming.ReplaceExt(stored, ext)
	}

	meta := models.StoredFileMetadata{
		OriginalFilename: req.Filename,
		StoredFilename:   stored,
		FileSize:         int64(len(data)),
		MimeType:         DetectContentType(data, ext),
		FileExtension:    ext,
		FileHash:         checksum.Sum(data),
		Category:         category,
		WasConverted:     converted,
	}

	scan := scanner.Result{Clean: true, Threats: []string{}, Status: scanner.StatusClean}
	if m.scanner != nil {
		scan = m.scanner.Scan(ctx, data)
		m.metrics.AddThreats(len(scan.Threats))
		if !scan.Clean && m.config.RejectSuspicious {
			return nil, validationErrorf("File failed security scan: %v", scan.Threats)
		}
	}

	payload := data
	if req.Encrypt {
		key, err := envelope.GenerateKey()
		if err != nil {
			m.logger.Error("key generation failed", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
		}
		if payload, err = envelope.Encrypt(data, key); err != nil {
			m.logger.Error("encryption failed", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
		}
		meta.IsEncrypted = true
		meta.EncryptionKey = key
	}

	primaryErr := m.savePrimary(ctx, req, &meta, payload)
	if primaryErr == nil {
		return m.finish(req, meta, scan)
	}

	m.metrics.IncFallback()
	m.logger.Warn("falling back to local disk",
		zap.String("case_id", req.CaseID),
		zap.String("stored_filename", stored),
		zap.Error(primaryErr),
	)

	rel, localErr := m.local.Write(m.local.CasePath(req.CaseID, stored), payload)
	if localErr != nil {
		m.logger.Error("save failed on every backend",
			zap.String("case_id", req.CaseID),
			zap.String("stored_filename", stored),
			zap.NamedError("primary_error", primaryErr),
			zap.NamedError("local_error", localErr),
		)
		return nil, errors.Join(ErrStorageFailed, primaryErr, &BackendUnavailableError{Backend: "local", Err: localErr})
	}

	meta.StorageType = models.StorageLocal
	meta.LocalPath = rel
	return m.finish(req, meta, scan)
}

// savePrimary writes to the object store and, when enabled, the local
// backup. It fills in the location fields of meta on success.
func (m *Manager) savePrimary(ctx context.Context, req models.UploadRequest, meta *models.StoredFileMetadata, payload []byte) error {
	if m.objects == nil {
		return &BackendUnavailableError{Backend: "primary", Err: errors.New("not configured")}
	}
	if !m.objects.Available(ctx) {
		return &BackendUnavailableError{Backend: m.objects.Name(), Err: errors.New("unreachable")}
	}

	scope := req.TenantID
	if scope == "" {
		scope = req.CaseID
	}
	key := m.objects.NewKey(scope, string(meta.Category), meta.FileExtension)

	// Content type describes what is actually stored.
	contentType := meta.MimeType
	if meta.IsEncrypted {
		contentType = "application/octet-stream"
	}
	if !m.objects.Put(ctx, key, payload, contentType) {
		return &BackendUnavailableError{Backend: m.objects.Name(), Err: errors.New("put failed")}
	}

	meta.StorageType = models.StoragePrimary
	meta.ObjectKey = key

	if m.config.BackupToLocal {
		rel, err := m.local.Write(m.local.BackupPath(req.CaseID, meta.StoredFilename), payload)
		if err != nil {
			m.logger.Warn("local backup failed, keeping primary copy only",
				zap.String("object_key", key),
				zap.Error(err),
			)
			return nil
		}
		meta.StorageType = models.StorageHybrid
		meta.LocalPath = rel
	}
	return nil
}

func (m *Manager) finish(req models.UploadRequest, meta models.StoredFileMetadata, scan scanner.Result) (*SaveResult, error) {
	if err := meta.Validate(); err != nil {
		m.logger.Error("inconsistent metadata", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	m.metrics.IncSave(string(meta.StorageType))
	m.logger.Info("file saved",
		zap.String("case_id", req.CaseID),
		zap.String("uploaded_by", req.UploadedBy),
		zap.String("storage_type", string(meta.StorageType)),
		zap.String("stored_filename", meta.StoredFilename),
		zap.Int64("size", meta.FileSize),
		zap.Bool("encrypted", meta.IsEncrypted),
		zap.Bool("converted", meta.WasConverted),
		zap.String("scan_status", scan.Status),
	)
	return &SaveResult{
		LocalPath: meta.LocalPath,
		ObjectKey: meta.ObjectKey,
		Metadata:  meta,
		Scan:      scan,
	}, nil
}

func (m *Manager) validate(req models.UploadRequest) (string, error) {
	if err := checkIdentifier("case id", req.CaseID); err != nil {
		return "", err
	}
	if req.TenantID != "" {
		if err := checkIdentifier("tenant id", req.TenantID); err != nil {
			return "", err
		}
	}
	if _, err := models.ParseCategory(string(req.Category)); err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}
	if req.Body == nil {
		return "", validationErrorf("no file content")
	}
	ext := naming.Ext(req.Filename)
	if err := checkExtension(m.allowed, m.sorted, ext); err != nil {
		return "", err
	}
	return ext, nil
}

// readBody reads at most one byte past the ceiling so oversized uploads are
// rejected without buffering them whole.
func (m *Manager) readBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, m.config.MaxFileSize+1))
	if err != nil {
		m.logger.Error("reading upload failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if int64(len(data)) > m.config.MaxFileSize {
		return nil, SizeLimitError(m.config.MaxFileSize)
	}
	if len(data) == 0 {
		return nil, validationErrorf("File is empty")
	}
	return data, nil
}

// Get returns the raw stored bytes, still encrypted if they were saved that
// way. The object key wins when present; the local path is only read for
// files without one.
func (m *Manager) Get(ctx context.Context, loc models.Location) (data []byte, err error) {
	ctx, span := m.tracer.Start(ctx, "storage.Get")
	defer func() {
		endSpan(span, err)
	}()

	if loc.ObjectKey != "" {
		if m.objects == nil {
			m.logger.Error("object key recorded but no object store configured", zap.String("object_key", loc.ObjectKey))
			return nil, ErrFileNotFound
		}
		data := m.objects.Get(ctx, loc.ObjectKey)
		if data == nil {
			return nil, ErrFileNotFound
		}
		return data, nil
	}

	if loc.LocalPath != "" {
		data, err := m.local.Read(loc.LocalPath)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		if err != nil {
			m.logger.Error("local read failed", zap.String("local_path", loc.LocalPath), zap.Error(err))
			return nil, ErrFileNotFound
		}
		return data, nil
	}
	return nil, ErrFileNotFound
}

// Open reads a file, decrypts it with its own key and checks the digest.
func (m *Manager) Open(ctx context.Context, meta models.StoredFileMetadata) ([]byte, error) {
	data, err := m.Get(ctx, meta.Location())
	if err != nil {
		return nil, err
	}

	if meta.IsEncrypted {
		data, err = envelope.Decrypt(data, meta.EncryptionKey)
		if err != nil {
			m.logger.Error("decryption failed",
				zap.String("stored_filename", meta.StoredFilename),
				zap.Error(err),
			)
			return nil, err
		}
	}

	if meta.FileHash != "" && !checksum.Verify(data, meta.FileHash) {
		m.logger.Error("digest mismatch", zap.String("stored_filename", meta.StoredFilename))
		return nil, fmt.Errorf("%w: digest mismatch", ErrIntegrity)
	}
	return data, nil
}

// Delete removes the bytes from every backend the location names. All
// backends are attempted; any failure yields a *PartialDeletionError.
// Deleting something already gone succeeds.
func (m *Manager) Delete(ctx context.Context, loc models.Location) (err error) {
	ctx, span := m.tracer.Start(ctx, "storage.Delete")
	defer func() {
		endSpan(span, err)
	}()

	var failed []string
	if loc.ObjectKey != "" {
		switch {
		case m.objects == nil:
			m.logger.Error("cannot delete object, no object store configured", zap.String("object_key", loc.ObjectKey))
			failed = append(failed, "primary")
		case !m.objects.Delete(ctx, loc.ObjectKey):
			failed = append(failed, m.objects.Name())
		}
	}
	if loc.LocalPath != "" {
		if err := m.local.Remove(loc.LocalPath); err != nil {
			m.logger.Error("local delete failed", zap.String("local_path", loc.LocalPath), zap.Error(err))
			failed = append(failed, "local")
		}
	}

	if len(failed) > 0 {
		return &PartialDeletionError{Failed: failed}
	}
	return nil
}

// PresignedURL returns a direct download URL for files held in the object
// store. Local-only files have none. A ttl of zero uses the configured
// default.
func (m *Manager) PresignedURL(ctx context.Context, loc models.Location, ttl time.Duration) (string, bool) {
	if loc.ObjectKey == "" || m.objects == nil {
		return "", false
	}
	if ttl <= 0 {
		ttl = m.config.PresignTTL
	}

	ctx, span := m.tracer.Start(ctx, "storage.PresignedURL")
	defer span.End()
	return m.objects.PresignedURL(ctx, loc.ObjectKey, ttl)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
