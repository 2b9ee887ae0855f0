package storage

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/PaulBabatuyi/casevault/internal/models"
	"go.uber.org/zap"
)

// WriteCaseArchive streams a zip of files to w. Each entry holds the
// verified plaintext under its stored filename. Files that cannot be found
// become MISSING_<name>.txt and files that fail to open become
// ERROR_<name>.txt, so one bad file never aborts the export.
func (m *Manager) WriteCaseArchive(ctx context.Context, w io.Writer, files []models.StoredFileMetadata) error {
	zw := zip.NewWriter(w)
	used := make(map[string]int, len(files))

	for _, meta := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}

		name := displayName(meta)
		data, err := m.Open(ctx, meta)
		switch {
		case err == nil:
			err = addEntry(zw, uniqueName(used, name), data)
		case errors.Is(err, ErrFileNotFound):
			err = addEntry(zw, uniqueName(used, "MISSING_"+name+".txt"),
				[]byte(fmt.Sprintf("File '%s' was not found in storage.", name)))
		default:
			m.logger.Warn("archive entry unreadable", zap.String("stored_filename", name), zap.Error(err))
			reason := "the file could not be read"
			if errors.Is(err, ErrIntegrity) {
				reason = "integrity check failed"
			}
			err = addEntry(zw, uniqueName(used, "ERROR_"+name+".txt"),
				[]byte(fmt.Sprintf("Failed to process '%s': %s", name, reason)))
		}
		if err != nil {
			zw.Close()
			return fmt.Errorf("write archive: %w", err)
		}
	}
	return zw.Close()
}

func displayName(meta models.StoredFileMetadata) string {
	if meta.StoredFilename != "" {
		return meta.StoredFilename
	}
	return path.Base(meta.OriginalFilename)
}

// uniqueName appends " (n)" before the extension for repeated names,
// skipping any candidate already taken by another entry.
func uniqueName(used map[string]int, name string) string {
	if used[name] == 0 {
		used[name] = 1
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := used[name] + 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if used[candidate] == 0 {
			used[name] = n
			used[candidate] = 1
			return candidate
		}
	}
}

func addEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}
