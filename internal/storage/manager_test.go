package storage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/envelope"
	"github.com/PaulBabatuyi/casevault/internal/models"
	"github.com/PaulBabatuyi/casevault/internal/objectstore"
	"github.com/PaulBabatuyi/casevault/internal/scanner"
	"github.com/PaulBabatuyi/casevault/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	m     *Manager
	mem   *objectstore.MemoryBackend
	local *LocalStore
}

type option func(*Config, *Deps)

func withoutObjectStore() option {
	return func(_ *Config, d *Deps) { d.Objects = nil }
}

func withBackup() option {
	return func(c *Config, _ *Deps) { c.BackupToLocal = true }
}

func withTranscoder(t *worker.Transcoder) option {
	return func(_ *Config, d *Deps) { d.Transcoder = t }
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	mem := objectstore.NewMemoryBackend()
	cfg := Config{MaxFileSize: 1024 * 1024}
	deps := Deps{
		Local:   local,
		Objects: objectstore.NewAdapter(mem, objectstore.AdapterConfig{ProbeTTL: time.Hour}, zap.NewNop(), nil),
		Logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	m, err := NewManager(cfg, deps)
	require.NoError(t, err)
	return &fixture{m: m, mem: mem, local: local}
}

func upload(name string, data []byte, encrypt bool) models.UploadRequest {
	return models.UploadRequest{
		Body:       bytes.NewReader(data),
		Filename:   name,
		CaseID:     "c0ffee-case",
		UploadedBy: "adviser-1",
		Category:   models.CategoryDebt,
		Encrypt:    encrypt,
	}
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestSaveGetRoundTripMatrix(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	backends := map[string]func(*fixture){
		"primary available":   func(*fixture) {},
		"primary put fails":   func(f *fixture) { f.mem.Fail("put", errors.New("throttled")) },
		"primary unreachable": func(f *fixture) { f.mem.Fail("ping", errors.New("dns")) },
	}

	for backendName, setup := range backends {
		for _, encrypt := range []bool{true, false} {
			for _, ext := range DefaultAllowedExtensions {
				f := newFixture(t)
				setup(f)

				data := make([]byte, 1+rng.Intn(2048))
				rng.Read(data)

				res, err := f.m.Save(context.Background(), upload("evidence"+ext, data, encrypt))
				require.NoError(t, err, "%s encrypt=%v %s", backendName, encrypt, ext)
				require.NoError(t, res.Metadata.Validate())

				raw, err := f.m.Get(context.Background(), res.Metadata.Location())
				require.NoError(t, err)
				if encrypt {
					assert.NotEqual(t, data, raw)
					raw, err = envelope.Decrypt(raw, res.Metadata.EncryptionKey)
					require.NoError(t, err)
				}
				assert.Equal(t, data, raw, "%s encrypt=%v %s", backendName, encrypt, ext)

				opened, err := f.m.Open(context.Background(), res.Metadata)
				require.NoError(t, err)
				assert.Equal(t, data, opened)
			}
		}
	}
}

func TestSaveEncryptedPDF(t *testing.T) {
	f := newFixture(t)
	payload := []byte("0123456789")

	res, err := f.m.Save(context.Background(), upload("doc.pdf", payload, true))
	require.NoError(t, err)

	meta := res.Metadata
	assert.True(t, meta.IsEncrypted)
	assert.NotEmpty(t, meta.EncryptionKey)
	assert.Equal(t, ".pdf", meta.FileExtension)
	assert.Equal(t, int64(10), meta.FileSize)
	assert.Equal(t, models.StoragePrimary, meta.StorageType)
	assert.Equal(t, res.ObjectKey, meta.ObjectKey)
	assert.Empty(t, res.LocalPath)

	raw, err := f.m.Get(context.Background(), meta.Location())
	require.NoError(t, err)
	plain, err := envelope.Decrypt(raw, meta.EncryptionKey)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)

	_, contentType, ok := f.mem.Metadata(meta.ObjectKey)
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", contentType)
}

func TestSaveRejectsOversizedWithoutWriting(t *testing.T) {
	f := newFixture(t)

	payload := make([]byte, 1024*1024+1)
	_, err := f.m.Save(context.Background(), upload("doc.pdf", payload, true))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "exceeds maximum allowed size of 1MB")
	assert.Equal(t, 0, f.mem.Calls("put"))
	assert.Equal(t, 0, f.mem.Len())
	assert.Equal(t, 0, countFiles(t, f.local.Root()))
}

func TestSaveAcceptsExactlyMaxSize(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Save(context.Background(), upload("doc.pdf", make([]byte, 1024*1024), false))
	require.NoError(t, err)
}

func TestSaveValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  models.UploadRequest
		want string
	}{
		{"disallowed extension", upload("setup.exe", []byte("MZ"), false), "File type '.exe' is not allowed"},
		{"no extension", upload("README", []byte("x"), false), "File has no extension"},
		{"empty file", upload("doc.pdf", nil, false), "File is empty"},
		{"traversal case id", func() models.UploadRequest {
			r := upload("doc.pdf", []byte("x"), false)
			r.CaseID = "../etc"
			return r
		}(), "invalid case id"},
		{"missing case id", func() models.UploadRequest {
			r := upload("doc.pdf", []byte("x"), false)
			r.CaseID = ""
			return r
		}(), "case id is required"},
		{"unknown category", func() models.UploadRequest {
			r := upload("doc.pdf", []byte("x"), false)
			r.Category = "pension"
			return r
		}(), "unknown category"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Save(context.Background(), tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, tt.want)
		})
	}
	assert.Equal(t, 0, f.mem.Calls("put"))
}

func TestSaveFallsBackToLocalWhenPutFails(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail("put", errors.New("503 slow down"))

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("%PDF-1.4 fallback"), false))
	require.NoError(t, err)

	meta := res.Metadata
	assert.Equal(t, models.StorageLocal, meta.StorageType)
	assert.Empty(t, meta.ObjectKey)
	assert.Empty(t, res.ObjectKey)
	assert.Equal(t, f.local.CasePath("c0ffee-case", meta.StoredFilename), meta.LocalPath)
	assert.Equal(t, filepath.Join("c0", "c0ffee-case", meta.StoredFilename), meta.LocalPath)

	onDisk, err := os.ReadFile(filepath.Join(f.local.Root(), meta.LocalPath))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 fallback"), onDisk)
}

func TestSaveSkipsUnreachableStore(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail("ping", errors.New("connection refused"))

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("x"), true))
	require.NoError(t, err)
	assert.Equal(t, models.StorageLocal, res.Metadata.StorageType)
	assert.Equal(t, 0, f.mem.Calls("put"))
}

func TestSaveWithoutObjectStore(t *testing.T) {
	f := newFixture(t, withoutObjectStore())

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("x"), false))
	require.NoError(t, err)
	assert.Equal(t, models.StorageLocal, res.Metadata.StorageType)

	_, ok := f.m.PresignedURL(context.Background(), res.Metadata.Location(), 0)
	assert.False(t, ok)
}

func TestSaveFailsWhenEveryBackendFails(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail("put", errors.New("down"))

	// a regular file where the shard directory belongs makes the local write fail
	require.NoError(t, os.WriteFile(filepath.Join(f.local.Root(), "c0"), []byte("x"), 0600))

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("x"), false))
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrStorageFailed)

	var bue *BackendUnavailableError
	assert.ErrorAs(t, err, &bue)
	assert.Equal(t, 0, f.mem.Len())
}

func TestSaveHybridWritesBackup(t *testing.T) {
	f := newFixture(t, withBackup())

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("mirrored"), false))
	require.NoError(t, err)

	meta := res.Metadata
	assert.Equal(t, models.StorageHybrid, meta.StorageType)
	assert.NotEmpty(t, meta.ObjectKey)
	assert.Equal(t, filepath.Join("backup", "c0ffee-case", meta.StoredFilename), meta.LocalPath)

	onDisk, err := os.ReadFile(filepath.Join(f.local.Root(), meta.LocalPath))
	require.NoError(t, err)
	assert.Equal(t, []byte("mirrored"), onDisk)
}

func TestSaveBackupFailureKeepsPrimary(t *testing.T) {
	f := newFixture(t, withBackup())
	require.NoError(t, os.WriteFile(filepath.Join(f.local.Root(), "backup"), []byte("x"), 0600))

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("x"), false))
	require.NoError(t, err)
	assert.Equal(t, models.StoragePrimary, res.Metadata.StorageType)
	assert.Empty(t, res.Metadata.LocalPath)
}

func TestObjectKeyScope(t *testing.T) {
	f := newFixture(t)

	req := upload("statement.PDF", []byte("x"), false)
	req.TenantID = "CL-0001"
	res, err := f.m.Save(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ObjectKey, "CL-0001/debt/"), res.ObjectKey)
	assert.True(t, strings.HasSuffix(res.ObjectKey, ".pdf"))
	assert.Equal(t, "CL-0001-statement.pdf", res.Metadata.StoredFilename)

	res, err = f.m.Save(context.Background(), upload("statement.pdf", []byte("x"), false))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ObjectKey, "c0ffee-case/debt/"), res.ObjectKey)
}

func TestLocalNameCollisionKeepsBothFiles(t *testing.T) {
	f := newFixture(t, withoutObjectStore())

	req := upload("payslip.pdf", []byte("first"), false)
	req.TenantID = "CL-7"
	first, err := f.m.Save(context.Background(), req)
	require.NoError(t, err)

	req = upload("payslip.pdf", []byte("second"), false)
	req.TenantID = "CL-7"
	second, err := f.m.Save(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Metadata.StoredFilename, second.Metadata.StoredFilename)
	assert.NotEqual(t, first.LocalPath, second.LocalPath)

	a, err := f.m.Open(context.Background(), first.Metadata)
	require.NoError(t, err)
	b, err := f.m.Open(context.Background(), second.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "first", string(a))
	assert.Equal(t, "second", string(b))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func stdDecoder(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

func TestSaveConvertsHEIC(t *testing.T) {
	tr := worker.NewTranscoder(worker.TranscoderConfig{
		MaxDimension: 2048,
		Decoder:      stdDecoder,
	}, nil, zap.NewNop())
	f := newFixture(t, withTranscoder(tr))

	req := upload("photo.heic", pngBytes(t, 3000, 1000), true)
	req.TenantID = "CL-0001"
	res, err := f.m.Save(context.Background(), req)
	require.NoError(t, err)

	meta := res.Metadata
	assert.True(t, meta.WasConverted)
	assert.Equal(t, ".jpg", meta.FileExtension)
	assert.Equal(t, "CL-0001-photo.jpg", meta.StoredFilename)
	assert.Equal(t, "image/jpeg", meta.MimeType)
	assert.True(t, strings.HasSuffix(meta.ObjectKey, ".jpg"))

	plain, err := f.m.Open(context.Background(), meta)
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(plain))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.LessOrEqual(t, cfg.Width, 2048)
	assert.LessOrEqual(t, cfg.Height, 2048)
	assert.Equal(t, int64(len(plain)), meta.FileSize)
}

func TestSaveStoresCorruptHEICUnchanged(t *testing.T) {
	tr := worker.NewTranscoder(worker.TranscoderConfig{Decoder: stdDecoder}, nil, zap.NewNop())
	f := newFixture(t, withTranscoder(tr))

	payload := []byte("\x00\x00\x00\x18ftypheic truncated")
	res, err := f.m.Save(context.Background(), upload("photo.heic", payload, false))
	require.NoError(t, err)

	meta := res.Metadata
	assert.False(t, meta.WasConverted)
	assert.Equal(t, ".heic", meta.FileExtension)
	assert.True(t, strings.HasSuffix(meta.StoredFilename, "-photo.heic"))

	raw, err := f.m.Get(context.Background(), meta.Location())
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
}

func TestScanOutcome(t *testing.T) {
	f := newFixture(t, func(_ *Config, d *Deps) { d.Scanner = scanner.New("", zap.NewNop()) })

	res, err := f.m.Save(context.Background(), upload("page.html", []byte("<html><script>x</script>"), false))
	require.NoError(t, err)
	assert.False(t, res.Scan.Clean)
	assert.Equal(t, scanner.StatusSuspicious, res.Scan.Status)

	strict := newFixture(t, func(c *Config, d *Deps) {
		d.Scanner = scanner.New("", zap.NewNop())
		c.RejectSuspicious = true
	})
	_, err = strict.m.Save(context.Background(), upload("page.html", []byte("<html><script>x</script>"), false))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, strict.mem.Calls("put"))
}

func TestGetPrefersObjectKey(t *testing.T) {
	f := newFixture(t, withBackup())

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("both"), false))
	require.NoError(t, err)
	require.Equal(t, models.StorageHybrid, res.Metadata.StorageType)

	require.NoError(t, f.mem.Delete(context.Background(), res.ObjectKey))

	_, err = f.m.Get(context.Background(), res.Metadata.Location())
	assert.ErrorIs(t, err, ErrFileNotFound)

	data, err := f.m.Get(context.Background(), models.Location{LocalPath: res.LocalPath})
	require.NoError(t, err)
	assert.Equal(t, []byte("both"), data)
}

func TestGetMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Get(context.Background(), models.Location{})
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = f.m.Get(context.Background(), models.Location{LocalPath: "ab/abc/nothing.pdf"})
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = f.m.Get(context.Background(), models.Location{ObjectKey: "abc/other/nothing.pdf"})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t, withBackup())

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("gone soon"), true))
	require.NoError(t, err)
	loc := res.Metadata.Location()

	require.NoError(t, f.m.Delete(context.Background(), loc))
	require.NoError(t, f.m.Delete(context.Background(), loc))

	assert.Equal(t, 0, f.mem.Len())
	_, err = os.Stat(filepath.Join(f.local.Root(), loc.LocalPath))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	// empty case directories are pruned, the root stays
	_, err = os.Stat(filepath.Join(f.local.Root(), "backup"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = os.Stat(f.local.Root())
	assert.NoError(t, err)
}

func TestDeleteAttemptsEveryBackend(t *testing.T) {
	f := newFixture(t, withBackup())

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("x"), false))
	require.NoError(t, err)

	f.mem.Fail("delete", errors.New("access denied"))
	err = f.m.Delete(context.Background(), res.Metadata.Location())

	var pde *PartialDeletionError
	require.ErrorAs(t, err, &pde)
	assert.Equal(t, []string{"memory"}, pde.Failed)

	_, statErr := os.Stat(filepath.Join(f.local.Root(), res.LocalPath))
	assert.True(t, errors.Is(statErr, fs.ErrNotExist), "local copy removed despite object failure")

	f.mem.Fail("delete", nil)
	assert.NoError(t, f.m.Delete(context.Background(), res.Metadata.Location()))
}

func TestDeleteObjectKeyWithoutStore(t *testing.T) {
	f := newFixture(t, withoutObjectStore())
	err := f.m.Delete(context.Background(), models.Location{ObjectKey: "x/other/y.pdf"})
	var pde *PartialDeletionError
	require.ErrorAs(t, err, &pde)
	assert.Equal(t, []string{"primary"}, pde.Failed)
}

func TestPresignedURL(t *testing.T) {
	f := newFixture(t)

	res, err := f.m.Save(context.Background(), upload("doc.pdf", []byte("x"), false))
	require.NoError(t, err)

	url, ok := f.m.PresignedURL(context.Background(), res.Metadata.Location(), 0)
	require.True(t, ok)
	assert.Contains(t, url, res.ObjectKey)

	_, ok = f.m.PresignedURL(context.Background(), models.Location{LocalPath: "c0/c0ffee-case/doc.pdf"}, time.Hour)
	assert.False(t, ok)
}

func TestOpenDetectsTampering(t *testing.T) {
	ctx := context.Background()

	t.Run("plaintext digest", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.m.Save(ctx, upload("doc.pdf", []byte("original"), false))
		require.NoError(t, err)

		require.NoError(t, f.mem.Put(ctx, res.ObjectKey, []byte("modified"), "application/pdf", nil))
		_, err = f.m.Open(ctx, res.Metadata)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("ciphertext", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.m.Save(ctx, upload("doc.pdf", []byte("original"), true))
		require.NoError(t, err)

		raw, err := f.mem.Get(ctx, res.ObjectKey)
		require.NoError(t, err)
		if raw[50] == 'A' {
			raw[50] = 'B'
		} else {
			raw[50] = 'A'
		}
		require.NoError(t, f.mem.Put(ctx, res.ObjectKey, raw, "application/octet-stream", nil))

		_, err = f.m.Open(ctx, res.Metadata)
		assert.ErrorIs(t, err, ErrIntegrity)
		assert.NotErrorIs(t, err, ErrFileNotFound)
	})
}

func TestSaveHonoursCancelledContextDuringConversion(t *testing.T) {
	pool := worker.NewPool(1)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go pool.Do(context.Background(), func() {
		close(started)
		<-release
	})
	<-started
	defer close(release)

	tr := worker.NewTranscoder(worker.TranscoderConfig{AsyncThreshold: 1, Decoder: stdDecoder}, pool, zap.NewNop())
	f := newFixture(t, withTranscoder(tr))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.m.Save(ctx, upload("photo.heic", pngBytes(t, 10, 10), false))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.mem.Calls("put"))
}
