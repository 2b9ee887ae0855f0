package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PaulBabatuyi/casevault/internal/envelope"
)

var (
	// ErrFileNotFound means no backend holds bytes for a location.
	ErrFileNotFound = errors.New("file not found")
	// ErrStorageFailed is the only error a failed save shows a client,
	// besides validation failures.
	ErrStorageFailed = errors.New("failed to save file")
	// ErrIntegrity means the stored bytes failed decryption or no longer
	// match their recorded digest.
	ErrIntegrity = envelope.ErrIntegrity
)

// ValidationError rejects an upload before anything is written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// SizeLimitError rejects an upload larger than limit bytes.
func SizeLimitError(limit int64) *ValidationError {
	return &ValidationError{Reason: "File size exceeds maximum allowed size of " + formatSize(limit)}
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// BackendUnavailableError records why a backend could not take a write.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err == nil {
		return e.Backend + " backend unavailable"
	}
	return e.Backend + " backend unavailable: " + e.Err.Error()
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// PartialDeletionError lists the backends whose delete failed. The other
// backends were still attempted; callers should retry the delete.
type PartialDeletionError struct {
	Failed []string
}

func (e *PartialDeletionError) Error() string {
	return "partial deletion, failed backends: " + strings.Join(e.Failed, ", ")
}
