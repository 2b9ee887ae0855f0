package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/PaulBabatuyi/casevault/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(body)
	}
	return out
}

func TestWriteCaseArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	save := func(name, tenant, body string, encrypt bool) models.StoredFileMetadata {
		req := upload(name, []byte(body), encrypt)
		req.TenantID = tenant
		res, err := f.m.Save(ctx, req)
		require.NoError(t, err)
		return res.Metadata
	}

	good := save("statement.pdf", "CL-1", "statement body", true)
	dup := save("statement.pdf", "CL-1", "second statement", false)
	missing := save("payslip.pdf", "CL-1", "payslip", false)
	tampered := save("letter.rtf", "CL-1", "{\\rtf1 letter}", false)

	require.NoError(t, f.mem.Delete(ctx, missing.ObjectKey))
	require.NoError(t, f.mem.Put(ctx, tampered.ObjectKey, []byte("{\\rtf1 forged}"), "application/rtf", nil))

	var buf bytes.Buffer
	require.NoError(t, f.m.WriteCaseArchive(ctx, &buf, []models.StoredFileMetadata{good, dup, missing, tampered}))

	entries := readZip(t, buf.Bytes())
	assert.Len(t, entries, 4)
	assert.Equal(t, "statement body", entries["CL-1-statement.pdf"])
	assert.Equal(t, "second statement", entries["CL-1-statement (2).pdf"])
	assert.Equal(t, "File 'CL-1-payslip.pdf' was not found in storage.", entries["MISSING_CL-1-payslip.pdf.txt"])
	assert.Contains(t, entries["ERROR_CL-1-letter.rtf.txt"], "integrity check failed")
}

func TestUniqueNameSkipsTakenNames(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"plain repeats", []string{"x.pdf", "x.pdf", "x.pdf"}, []string{"x.pdf", "x (2).pdf", "x (3).pdf"}},
		{"suffixed name first", []string{"x.pdf", "x (2).pdf", "x.pdf"}, []string{"x.pdf", "x (2).pdf", "x (3).pdf"}},
		{"suffixed name last", []string{"x.pdf", "x.pdf", "x (2).pdf"}, []string{"x.pdf", "x (2).pdf", "x (2) (2).pdf"}},
		{"no extension", []string{"notes", "notes"}, []string{"notes", "notes (2)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			used := map[string]int{}
			var got []string
			for _, n := range tt.input {
				got = append(got, uniqueName(used, n))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteCaseArchiveNoDuplicateEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var files []models.StoredFileMetadata
	for _, body := range []string{"first", "already suffixed", "second"} {
		req := upload("statement.pdf", []byte(body), false)
		req.TenantID = "CL-1"
		res, err := f.m.Save(ctx, req)
		require.NoError(t, err)
		files = append(files, res.Metadata)
	}
	files[1].StoredFilename = "CL-1-statement (2).pdf"

	var buf bytes.Buffer
	require.NoError(t, f.m.WriteCaseArchive(ctx, &buf, files))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)

	entries := readZip(t, buf.Bytes())
	assert.Equal(t, "first", entries["CL-1-statement.pdf"])
	assert.Equal(t, "already suffixed", entries["CL-1-statement (2).pdf"])
	assert.Equal(t, "second", entries["CL-1-statement (3).pdf"])
}

func TestWriteCaseArchiveEmpty(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	require.NoError(t, f.m.WriteCaseArchive(context.Background(), &buf, nil))
	assert.Empty(t, readZip(t, buf.Bytes()))
}

func TestWriteCaseArchiveStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.m.WriteCaseArchive(ctx, io.Discard, []models.StoredFileMetadata{{StoredFilename: "a.pdf"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeleteCaseFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withBackup())

	var records []models.FileRecord
	for i, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		res, err := f.m.Save(ctx, upload(name, []byte(name), false))
		require.NoError(t, err)
		records = append(records, models.FileRecord{ID: string(rune('1' + i)), StoredFileMetadata: res.Metadata})
	}

	var forgotten []string
	forget := func(_ context.Context, id string) error {
		if id == "3" {
			return errors.New("db down")
		}
		forgotten = append(forgotten, id)
		return nil
	}

	summary := f.m.DeleteCaseFiles(ctx, records, forget)
	assert.Equal(t, 3, summary.FilesFound)
	assert.Equal(t, 2, summary.FilesDeleted)
	assert.Equal(t, 1, summary.FilesFailed)
	assert.Equal(t, []string{"1", "2"}, forgotten)
	require.Len(t, summary.DeletedFiles, 2)
	assert.Equal(t, "a.pdf", summary.DeletedFiles[0].OriginalFilename)
	assert.Len(t, summary.StorageErrors, 1)
	assert.Equal(t, 0, f.mem.Len())
}

func TestDeleteCaseFilesReportsBackends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.m.Save(ctx, upload("a.pdf", []byte("a"), false))
	require.NoError(t, err)
	f.mem.Fail("delete", errors.New("denied"))

	called := false
	summary := f.m.DeleteCaseFiles(ctx, []models.FileRecord{{ID: "1", StoredFileMetadata: res.Metadata}},
		func(context.Context, string) error { called = true; return nil })

	assert.False(t, called, "row kept while bytes remain")
	assert.Equal(t, 0, summary.FilesDeleted)
	assert.Equal(t, 1, summary.FilesFailed)
	assert.Equal(t, []string{"Failed to delete file a.pdf from: [memory]"}, summary.StorageErrors)
	assert.Empty(t, summary.DeletedFiles)
}

func TestRequirements(t *testing.T) {
	f := newFixture(t)
	req := f.m.Requirements()

	assert.Equal(t, int64(1024*1024), req.MaxFileSize)
	assert.Equal(t, "1 MB", req.MaxFileSizeFormatted)
	assert.Contains(t, req.AllowedExtensions, ".heic")
	assert.IsIncreasing(t, req.AllowedExtensions)
	assert.Contains(t, req.AllowedMimeTypes, "application/pdf")
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectContentType([]byte("%PDF-1.7\n"), ".pdf"))
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		DetectContentType([]byte("PK\x03\x04rest of zip"), ".docx"))
	assert.Equal(t, "application/rtf", DetectContentType([]byte("{\\rtf1 plain}"), ".rtf"))
	assert.Equal(t, "application/octet-stream", DetectContentType([]byte{0, 1, 2, 3}, ".qb1"))
}
