package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/PaulBabatuyi/casevault/internal/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *FileClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewFileClient(srv.URL+"/", "key-1", "adviser-1")
	c.out = io.Discard
	return c
}

func TestUploadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statement.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 body"), 0600))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/cases/case-1/files", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-API-Key"))
		assert.Equal(t, "adviser-1", r.Header.Get("X-User-ID"))

		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		body, _ := io.ReadAll(f)
		assert.Equal(t, "statement.pdf", header.Filename)
		assert.Equal(t, "%PDF-1.4 body", string(body))
		assert.Equal(t, "debt", r.FormValue("category"))
		assert.Equal(t, "false", r.FormValue("encrypt"))
		assert.Equal(t, "CL-1", r.FormValue("tenant_id"))

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"file":{"id":"f-1","stored_filename":"CL-1-statement.pdf","file_size":13,"storage_type":"primary","file_hash":"`+checksum.Sum(body)+`"}}`)
	}))

	info, err := c.UploadFile(context.Background(), "case-1", path, UploadOptions{Category: "debt", TenantID: "CL-1"})
	require.NoError(t, err)
	assert.Equal(t, "f-1", info.ID)
	assert.Equal(t, "CL-1-statement.pdf", info.StoredFilename)
}

func TestUploadFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ"), 0600))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"File type '.exe' is not allowed"}`)
	}))

	_, err := c.UploadFile(context.Background(), "case-1", path, UploadOptions{})
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "not allowed")
}

func TestUploadFileDigestMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statement.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 body"), 0600))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"file":{"id":"f-1","file_hash":"0000"}}`)
	}))

	info, err := c.UploadFile(context.Background(), "case-1", path, UploadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
	assert.Equal(t, "f-1", info.ID)
}

func TestDownloadFileUsesSuggestedName(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files/f-1/download", r.URL.Path)
		w.Header().Set("Content-Disposition", `attachment; filename="../photo.jpg"`)
		io.WriteString(w, "jpeg bytes")
	}))

	dir := t.TempDir()
	t.Chdir(dir)

	path, err := c.DownloadFile(context.Background(), "f-1", "")
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", path)

	data, err := os.ReadFile(filepath.Join(dir, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))
}

func TestDownloadFileExplicitPath(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "content")
	}))

	out := filepath.Join(t.TempDir(), "out.bin")
	path, err := c.DownloadFile(context.Background(), "f-1", out)
	require.NoError(t, err)
	assert.Equal(t, out, path)
}

func TestListAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cases/case-1/files", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"case_id":"case-1","count":2,"files":[{"id":"f-2"},{"id":"f-1"}]}`)
	})
	mux.HandleFunc("/api/files/f-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, `{"error":"file could not be removed from every backend","failed_backends":["s3"]}`)
			return
		}
		io.WriteString(w, `{"id":"f-1","scan_status":"clean"}`)
	})
	c := newTestClient(t, mux)

	files, err := c.ListFiles(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f-2", files[0].ID)

	info, err := c.GetFileMetadata(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Equal(t, "clean", info.ScanStatus)

	err = c.DeleteFile(context.Background(), "f-1")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}
