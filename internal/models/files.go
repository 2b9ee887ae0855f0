package models

import (
	"fmt"
	"io"
	"strings"
	"time"
)

type Category string

const (
	CategoryDebt        Category = "debt"
	CategoryAsset       Category = "asset"
	CategoryIncome      Category = "income"
	CategoryExpenditure Category = "expenditure"
	CategoryIdentity    Category = "identity"
	CategoryOther       Category = "other"
)

// Categories lists every accepted category.
var Categories = []Category{
	CategoryDebt, CategoryAsset, CategoryIncome,
	CategoryExpenditure, CategoryIdentity, CategoryOther,
}

// ParseCategory maps a form value to a Category. Empty means other.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CategoryOther, nil
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

type StorageType string

const (
	StoragePrimary StorageType = "primary"
	StorageLocal   StorageType = "local"
	StorageHybrid  StorageType = "hybrid"
)

// UploadRequest is what a caller hands the storage manager. The caller has
// already decided the upload is permitted.
type UploadRequest struct {
	Body       io.Reader
	Filename   string
	TenantID   string
	CaseID     string
	UploadedBy string
	Category   Category
	Encrypt    bool
}

// Location addresses a file's bytes across backends. LocalPath is relative
// to the upload root.
type Location struct {
	LocalPath string `json:"local_path,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
}

// StoredFileMetadata is produced once per successful save and persisted by
// the caller.
type StoredFileMetadata struct {
	OriginalFilename string      `json:"original_filename"`
	StoredFilename   string      `json:"stored_filename"`
	FileSize         int64       `json:"file_size"`
	MimeType         string      `json:"mime_type"`
	FileExtension    string      `json:"file_extension"`
	FileHash         string      `json:"file_hash"`
	IsEncrypted      bool        `json:"is_encrypted"`
	EncryptionKey    string      `json:"-"`
	Category         Category    `json:"category"`
	StorageType      StorageType `json:"storage_type"`
	ObjectKey        string      `json:"object_key,omitempty"`
	LocalPath        string      `json:"local_path,omitempty"`
	WasConverted     bool        `json:"was_converted"`
}

// Location returns where the bytes live.
func (m *StoredFileMetadata) Location() Location {
	return Location{LocalPath: m.LocalPath, ObjectKey: m.ObjectKey}
}

// Validate checks the backend tag agrees with the recorded locations.
func (m *StoredFileMetadata) Validate() error {
	switch m.StorageType {
	case StoragePrimary:
		if m.ObjectKey == "" {
			return fmt.Errorf("storage type %s requires an object key", m.StorageType)
		}
	case StorageLocal:
		if m.LocalPath == "" {
			return fmt.Errorf("storage type %s requires a local path", m.StorageType)
		}
	case StorageHybrid:
		if m.ObjectKey == "" || m.LocalPath == "" {
			return fmt.Errorf("storage type %s requires an object key and a local path", m.StorageType)
		}
	default:
		return fmt.Errorf("unknown storage type %q", m.StorageType)
	}
	if m.IsEncrypted && m.EncryptionKey == "" {
		return fmt.Errorf("encrypted file has no key")
	}
	return nil
}

// FileRecord is a persisted file row.
type FileRecord struct {
	ID             string     `json:"id"`
	CaseID         string     `json:"case_id"`
	TenantID       string     `json:"tenant_id,omitempty"`
	UploadedBy     string     `json:"uploaded_by"`
	ScanStatus     string     `json:"scan_status"`
	DownloadCount  int        `json:"download_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	StoredFileMetadata
}
