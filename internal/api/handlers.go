// Package api is the HTTP surface over the storage engine. It owns the
// metadata rows, download bookkeeping and audit trail; the engine owns the
// bytes.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/audit"
	"github.com/PaulBabatuyi/casevault/internal/database"
	"github.com/PaulBabatuyi/casevault/internal/middleware"
	"github.com/PaulBabatuyi/casevault/internal/models"
	"github.com/PaulBabatuyi/casevault/internal/observability"
	"github.com/PaulBabatuyi/casevault/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MaxPresignTTL is the longest link S3 signs.
const MaxPresignTTL = 7 * 24 * time.Hour

// multipartOverhead is how far a request body may exceed the file size
// ceiling to leave room for boundaries and form fields.
const multipartOverhead = 1 << 20

type FileRepository interface {
	SaveFile(ctx context.Context, rec *models.FileRecord) (string, error)
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	ListCaseFiles(ctx context.Context, caseID string) ([]models.FileRecord, error)
	DeleteFile(ctx context.Context, id string) error
	RecordDownload(ctx context.Context, id string) error
}

// Engine is the storage manager as the handlers use it.
type Engine interface {
	Save(ctx context.Context, req models.UploadRequest) (*storage.SaveResult, error)
	Open(ctx context.Context, meta models.StoredFileMetadata) ([]byte, error)
	Delete(ctx context.Context, loc models.Location) error
	PresignedURL(ctx context.Context, loc models.Location, ttl time.Duration) (string, bool)
	WriteCaseArchive(ctx context.Context, w io.Writer, files []models.StoredFileMetadata) error
	DeleteCaseFiles(ctx context.Context, files []models.FileRecord, forget func(ctx context.Context, id string) error) storage.PurgeSummary
	Requirements() storage.Requirements
}

type Handler struct {
	engine Engine
	repo   FileRepository
	audit  audit.Sink
	logger *zap.Logger
}

func NewHandler(engine Engine, repo FileRepository, sink audit.Sink, logger *zap.Logger) *Handler {
	logger = observability.OrNop(logger).Named("api")
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	return &Handler{engine: engine, repo: repo, audit: sink, logger: logger}
}

func (h *Handler) UploadFile(c *gin.Context) {
	caseID := c.Param("caseID")
	user := middleware.ExtractUserID(c)

	// Cap the body before gin parses the form, which would otherwise spool
	// any size of upload to disk.
	maxSize := h.engine.Requirements().MaxFileSize
	if c.Request.ContentLength > maxSize+multipartOverhead {
		c.JSON(http.StatusBadRequest, gin.H{"error": storage.SizeLimitError(maxSize).Reason})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": storage.SizeLimitError(maxSize).Reason})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}

	category, err := models.ParseCategory(c.PostForm("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	encrypt := true
	if v := c.PostForm("encrypt"); v != "" {
		if encrypt, err = strconv.ParseBool(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "encrypt must be true or false"})
			return
		}
	}

	file, err := header.Open()
	if err != nil {
		h.logger.Error("open multipart file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": storage.ErrStorageFailed.Error()})
		return
	}
	defer file.Close()

	ctx := c.Request.Context()
	res, err := h.engine.Save(ctx, models.UploadRequest{
		Body:       file,
		Filename:   header.Filename,
		TenantID:   c.PostForm("tenant_id"),
		CaseID:     caseID,
		UploadedBy: user,
		Category:   category,
		Encrypt:    encrypt,
	})
	if err != nil {
		var verr *storage.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
			return
		}
		if ctx.Err() != nil {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request cancelled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": storage.ErrStorageFailed.Error()})
		return
	}

	rec := &models.FileRecord{
		CaseID:             caseID,
		TenantID:           c.PostForm("tenant_id"),
		UploadedBy:         user,
		ScanStatus:         res.Scan.Status,
		StoredFileMetadata: res.Metadata,
	}
	id, err := h.repo.SaveFile(ctx, rec)
	if err != nil {
		h.logger.Error("persisting file record failed, removing stored bytes",
			zap.String("case_id", caseID),
			zap.String("stored_filename", res.Metadata.StoredFilename),
			zap.Error(err),
		)
		if derr := h.engine.Delete(context.WithoutCancel(ctx), res.Metadata.Location()); derr != nil {
			h.logger.Error("cleanup after failed insert", zap.Error(derr))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": storage.ErrStorageFailed.Error()})
		return
	}

	h.audit.Append(ctx, audit.Event{
		Type:   audit.FileUploaded,
		CaseID: caseID,
		FileID: id,
		User:   user,
		Details: map[string]string{
			"storage_type": string(res.Metadata.StorageType),
			"scan_status":  res.Scan.Status,
			"size":         strconv.FormatInt(res.Metadata.FileSize, 10),
		},
	})

	c.JSON(http.StatusCreated, gin.H{
		"file":        rec,
		"scan_result": res.Scan,
	})
}

func (h *Handler) ListCaseFiles(c *gin.Context) {
	caseID := c.Param("caseID")
	files, err := h.repo.ListCaseFiles(c.Request.Context(), caseID)
	if err != nil {
		h.logger.Error("list case files", zap.String("case_id", caseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"case_id": caseID, "files": files, "count": len(files)})
}

// lookup loads the row for :id and writes the error response itself.
func (h *Handler) lookup(c *gin.Context) (*models.FileRecord, bool) {
	id := c.Param("id")
	rec, err := h.repo.GetFile(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("get file record", zap.String("file_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load file"})
		return nil, false
	}
	return rec, true
}

func (h *Handler) GetFile(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// downloadName is the original name with the extension actually served,
// which differs after a HEIC conversion.
func downloadName(rec *models.FileRecord) string {
	name := rec.OriginalFilename
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name + rec.FileExtension
}

func (h *Handler) DownloadFile(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	data, err := h.engine.Open(ctx, rec.StoredFileMetadata)
	switch {
	case errors.Is(err, storage.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "File content not found"})
		return
	case errors.Is(err, storage.ErrIntegrity):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "file failed integrity check"})
		return
	case err != nil:
		h.logger.Error("open file", zap.String("file_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}

	if err := h.repo.RecordDownload(ctx, rec.ID); err != nil {
		h.logger.Warn("recording download failed", zap.String("file_id", rec.ID), zap.Error(err))
	}
	h.audit.Append(ctx, audit.Event{
		Type:   audit.FileDownloaded,
		CaseID: rec.CaseID,
		FileID: rec.ID,
		User:   middleware.ExtractUserID(c),
	})

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName(rec)}))
	c.Data(http.StatusOK, rec.MimeType, data)
}

func (h *Handler) PresignedURL(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}

	var ttl time.Duration
	if v := c.Query("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > MaxPresignTTL {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("ttl must be a duration up to %s", MaxPresignTTL)})
			return
		}
		ttl = d
	}

	// A direct link would hand out ciphertext.
	if rec.IsEncrypted {
		c.JSON(http.StatusConflict, gin.H{"error": "file is encrypted, use the download endpoint"})
		return
	}

	url, ok := h.engine.PresignedURL(c.Request.Context(), rec.Location(), ttl)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no direct URL available for this file"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) DeleteFile(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.engine.Delete(ctx, rec.Location()); err != nil {
		var pde *storage.PartialDeletionError
		if errors.As(err, &pde) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "file could not be removed from every backend", "failed_backends": pde.Failed})
			return
		}
		h.logger.Error("delete file", zap.String("file_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete file"})
		return
	}

	if err := h.repo.DeleteFile(ctx, rec.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
		h.logger.Error("delete file record", zap.String("file_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete file record"})
		return
	}

	h.audit.Append(ctx, audit.Event{
		Type:   audit.FileDeleted,
		CaseID: rec.CaseID,
		FileID: rec.ID,
		User:   middleware.ExtractUserID(c),
	})
	c.JSON(http.StatusOK, gin.H{"deleted": rec.ID})
}

func (h *Handler) DownloadArchive(c *gin.Context) {
	caseID := c.Param("caseID")
	ctx := c.Request.Context()

	records, err := h.repo.ListCaseFiles(ctx, caseID)
	if err != nil {
		h.logger.Error("list case files", zap.String("case_id", caseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No files found for this case"})
		return
	}

	files := make([]models.StoredFileMetadata, len(records))
	for i, r := range records {
		files[i] = r.StoredFileMetadata
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "case-" + caseID + ".zip"}))
	c.Status(http.StatusOK)
	if err := h.engine.WriteCaseArchive(ctx, c.Writer, files); err != nil {
		// headers are gone, all we can do is log
		h.logger.Error("writing case archive", zap.String("case_id", caseID), zap.Error(err))
		return
	}

	h.audit.Append(ctx, audit.Event{
		Type:    audit.CaseArchived,
		CaseID:  caseID,
		User:    middleware.ExtractUserID(c),
		Details: map[string]string{"files": strconv.Itoa(len(files))},
	})
}

func (h *Handler) PurgeCase(c *gin.Context) {
	caseID := c.Param("caseID")
	ctx := c.Request.Context()

	records, err := h.repo.ListCaseFiles(ctx, caseID)
	if err != nil {
		h.logger.Error("list case files", zap.String("case_id", caseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}

	summary := h.engine.DeleteCaseFiles(ctx, records, h.repo.DeleteFile)
	h.audit.Append(ctx, audit.Event{
		Type:   audit.CasePurged,
		CaseID: caseID,
		User:   middleware.ExtractUserID(c),
		Details: map[string]string{
			"files_deleted": strconv.Itoa(summary.FilesDeleted),
			"files_failed":  strconv.Itoa(summary.FilesFailed),
		},
	})

	code := http.StatusOK
	if summary.FilesFailed > 0 {
		code = http.StatusBadGateway
	}
	c.JSON(code, summary)
}

func (h *Handler) UploadRequirements(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Requirements())
}
