package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/database/migrations"
	"github.com/PaulBabatuyi/casevault/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// ErrNotFound is returned when no row matches a file id.
var ErrNotFound = errors.New("file record not found")

type PostgresDB struct {
	db *sql.DB
}

func NewPostgresDB(connectionString string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresDB{db: db}, nil
}

func newWithDB(db *sql.DB) *PostgresDB {
	return &PostgresDB{db: db}
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, p.db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const fileColumns = `id, case_id, tenant_id, uploaded_by, original_filename, stored_filename,
        file_size, mime_type, file_extension, file_hash, is_encrypted, encryption_key,
        category, storage_type, object_key, local_path, was_converted, scan_status,
        download_count, last_accessed_at, created_at`

// SaveFile inserts rec and returns its id. An empty rec.ID gets a fresh
// UUID.
func (p *PostgresDB) SaveFile(ctx context.Context, rec *models.FileRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO files (` + fileColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
    `
	_, err := p.db.ExecContext(ctx, query,
		rec.ID,
		rec.CaseID,
		rec.TenantID,
		rec.UploadedBy,
		rec.OriginalFilename,
		rec.StoredFilename,
		rec.FileSize,
		rec.MimeType,
		rec.FileExtension,
		rec.FileHash,
		rec.IsEncrypted,
		rec.EncryptionKey,
		string(rec.Category),
		string(rec.StorageType),
		rec.ObjectKey,
		rec.LocalPath,
		rec.WasConverted,
		rec.ScanStatus,
		rec.DownloadCount,
		rec.LastAccessedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert file: %w", err)
	}
	return rec.ID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.FileRecord, error) {
	var (
		f           models.FileRecord
		category    string
		storageType string
		lastAccess  sql.NullTime
	)
	err := row.Scan(
		&f.ID,
		&f.CaseID,
		&f.TenantID,
		&f.UploadedBy,
		&f.OriginalFilename,
		&f.StoredFilename,
		&f.FileSize,
		&f.MimeType,
		&f.FileExtension,
		&f.FileHash,
		&f.IsEncrypted,
		&f.EncryptionKey,
		&category,
		&storageType,
		&f.ObjectKey,
		&f.LocalPath,
		&f.WasConverted,
		&f.ScanStatus,
		&f.DownloadCount,
		&lastAccess,
		&f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Category = models.Category(category)
	f.StorageType = models.StorageType(storageType)
	if lastAccess.Valid {
		t := lastAccess.Time
		f.LastAccessedAt = &t
	}
	return &f, nil
}

func (p *PostgresDB) GetFile(ctx context.Context, fileID string) (*models.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	file, err := scanFile(p.db.QueryRowContext(ctx, query, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return file, nil
}

// ListCaseFiles returns the files of a case, newest first.
func (p *PostgresDB) ListCaseFiles(ctx context.Context, caseID string) ([]models.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE case_id = $1 ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := []models.FileRecord{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// DeleteFile removes the row. Callers delete the bytes first.
func (p *PostgresDB) DeleteFile(ctx context.Context, fileID string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDownload bumps the download counter and access time.
func (p *PostgresDB) RecordDownload(ctx context.Context, fileID string) error {
	query := `
        UPDATE files
        SET download_count = download_count + 1, last_accessed_at = NOW()
        WHERE id = $1
    `
	result, err := p.db.ExecContext(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ObjectKeys returns every object key a row references.
func (p *PostgresDB) ObjectKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT object_key FROM files WHERE object_key <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list object keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}
