package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/PaulBabatuyi/casevault/internal/models"
	"go.uber.org/zap"
)

type PurgedFile struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	LocalPath        string `json:"local_path,omitempty"`
	ObjectKey        string `json:"object_key,omitempty"`
}

// PurgeSummary reports what DeleteCaseFiles managed to remove.
type PurgeSummary struct {
	FilesFound    int          `json:"files_found"`
	FilesDeleted  int          `json:"files_deleted"`
	FilesFailed   int          `json:"files_failed"`
	StorageErrors []string     `json:"storage_errors"`
	DeletedFiles  []PurgedFile `json:"deleted_files"`
}

// DeleteCaseFiles removes every file of a case from all backends. forget is
// called for each file whose bytes are fully gone, so the caller can drop
// the row; files with a failed backend keep their row for a retry.
func (m *Manager) DeleteCaseFiles(ctx context.Context, files []models.FileRecord, forget func(ctx context.Context, id string) error) PurgeSummary {
	summary := PurgeSummary{
		FilesFound:    len(files),
		StorageErrors: []string{},
		DeletedFiles:  []PurgedFile{},
	}

	for _, f := range files {
		if err := m.Delete(ctx, f.Location()); err != nil {
			summary.FilesFailed++
			var pde *PartialDeletionError
			if errors.As(err, &pde) {
				summary.StorageErrors = append(summary.StorageErrors,
					fmt.Sprintf("Failed to delete file %s from: %v", f.OriginalFilename, pde.Failed))
			} else {
				summary.StorageErrors = append(summary.StorageErrors,
					fmt.Sprintf("Failed to delete file %s", f.OriginalFilename))
			}
			continue
		}

		if forget != nil {
			if err := forget(ctx, f.ID); err != nil {
				m.logger.Error("removing file record failed", zap.String("file_id", f.ID), zap.Error(err))
				summary.FilesFailed++
				summary.StorageErrors = append(summary.StorageErrors,
					fmt.Sprintf("Deleted %s from storage but could not remove its record", f.OriginalFilename))
				continue
			}
		}

		summary.FilesDeleted++
		summary.DeletedFiles = append(summary.DeletedFiles, PurgedFile{
			ID:               f.ID,
			OriginalFilename: f.OriginalFilename,
			LocalPath:        f.LocalPath,
			ObjectKey:        f.ObjectKey,
		})
	}

	m.logger.Info("case files purged",
		zap.Int("found", summary.FilesFound),
		zap.Int("deleted", summary.FilesDeleted),
		zap.Int("failed", summary.FilesFailed),
	)
	return summary
}
