package storage

import "fmt"

// Requirements describes what an upload must look like.
type Requirements struct {
	AllowedExtensions    []string `json:"allowed_extensions"`
	MaxFileSize          int64    `json:"max_file_size"`
	MaxFileSizeMB        float64  `json:"max_file_size_mb"`
	MaxFileSizeFormatted string   `json:"max_file_size_formatted"`
	AllowedMimeTypes     []string `json:"allowed_mime_types"`
}

func (m *Manager) Requirements() Requirements {
	mb := float64(m.config.MaxFileSize) / (1024 * 1024)
	return Requirements{
		AllowedExtensions:    append([]string(nil), m.sorted...),
		MaxFileSize:          m.config.MaxFileSize,
		MaxFileSizeMB:        mb,
		MaxFileSizeFormatted: fmt.Sprintf("%.0f MB", mb),
		AllowedMimeTypes:     AllowedMimeTypes(m.config.AllowedExtensions),
	}
}
