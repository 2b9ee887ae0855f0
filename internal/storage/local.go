package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const backupDir = "backup"

// LocalStore keeps files on local disk under a root directory. Paths handed
// in and out are relative to that root.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute upload root.
func (l *LocalStore) Root() string {
	return l.root
}

// CasePath is where a fallback copy lives: {case[:2]}/{case}/{name}.
func (l *LocalStore) CasePath(caseID, name string) string {
	shard := caseID
	if r := []rune(caseID); len(r) > 2 {
		shard = string(r[:2])
	}
	return filepath.Join(shard, caseID, name)
}

// BackupPath is where a backup copy lives: backup/{case}/{name}.
func (l *LocalStore) BackupPath(caseID, name string) string {
	return filepath.Join(backupDir, caseID, name)
}

// Write stores data at rel without replacing an existing file. If rel is
// taken, a random suffix is added to the name. It returns the path used.
func (l *LocalStore) Write(rel string, data []byte) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		candidate := rel
		if attempt > 0 {
			ext := filepath.Ext(rel)
			candidate = strings.TrimSuffix(rel, ext) + "-" + uuid.NewString()[:8] + ext
		}

		full, err := l.resolve(candidate)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}

		err = writeExclusive(full, data)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("write %s: %w", rel, fs.ErrExist)
}

func writeExclusive(full string, data []byte) error {
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(full)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(full)
		return fmt.Errorf("sync file: %w", err)
	}
	return f.Close()
}

// Read returns the file at rel. A missing file wraps fs.ErrNotExist.
func (l *LocalStore) Read(rel string) ([]byte, error) {
	full, err := l.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Remove deletes rel and then any directories it leaves empty, stopping at
// the upload root. A missing file is not an error.
func (l *LocalStore) Remove(rel string) error {
	full, err := l.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	l.prune(filepath.Dir(full))
	return nil
}

// prune removes empty directories from dir upwards. It never removes the
// root and gives up at the first directory that is not empty.
func (l *LocalStore) prune(dir string) {
	for dir != l.root && strings.HasPrefix(dir, l.root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// resolve maps rel to an absolute path and refuses anything that would
// escape the root.
func (l *LocalStore) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid local path %q", rel)
	}
	full := filepath.Join(l.root, rel)
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("local path %q escapes upload root", rel)
	}
	return full, nil
}
