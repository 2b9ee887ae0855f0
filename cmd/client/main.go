// Command casevault-client talks to the casevault HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/checksum"
	"github.com/spf13/cobra"
)

const chunkSize = 64 * 1024 // 64KB chunks

type FileClient struct {
	baseURL string
	apiKey  string
	userID  string
	http    *http.Client
	out     io.Writer
}

func NewFileClient(baseURL, apiKey, userID string) *FileClient {
	return &FileClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		http:    &http.Client{Timeout: 10 * time.Minute},
		out:     os.Stdout,
	}
}

type UploadOptions struct {
	Category string
	TenantID string
	Encrypt  bool
}

type FileInfo struct {
	ID               string `json:"id"`
	CaseID           string `json:"case_id"`
	OriginalFilename string `json:"original_filename"`
	StoredFilename   string `json:"stored_filename"`
	FileSize         int64  `json:"file_size"`
	FileHash         string `json:"file_hash"`
	MimeType         string `json:"mime_type"`
	StorageType      string `json:"storage_type"`
	IsEncrypted      bool   `json:"is_encrypted"`
	WasConverted     bool   `json:"was_converted"`
	ScanStatus       string `json:"scan_status"`
	DownloadCount    int    `json:"download_count"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (fc *FileClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fc.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if fc.apiKey != "" {
		req.Header.Set("X-API-Key", fc.apiKey)
	}
	req.Header.Set("X-User-ID", fc.userID)
	return req, nil
}

func (fc *FileClient) do(req *http.Request, want int, into any) (*http.Response, error) {
	resp, err := fc.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return nil, &apiError{Status: resp.StatusCode, Message: body.Error}
	}
	if into != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}

// UploadFile streams a file to the server as multipart form data
func (fc *FileClient) UploadFile(ctx context.Context, caseID, filePath string, opts UploadOptions) (*FileInfo, error) {
	// 1. Open file
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	// 2. Get file info
	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	// 3. Stream the multipart body through a pipe
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(fc.writeUpload(mw, file, fileInfo, opts))
	}()

	req, err := fc.newRequest(ctx, http.MethodPost, "/api/cases/"+url.PathEscape(caseID)+"/files", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// 4. Send and get response
	var resp struct {
		File FileInfo `json:"file"`
	}
	if _, err := fc.do(req, http.StatusCreated, &resp); err != nil {
		pr.Close()
		return nil, err
	}

	// 5. Converted uploads are stored re-encoded, so only originals can be compared
	if !resp.File.WasConverted && resp.File.FileHash != "" {
		if err := verifyDigest(filePath, resp.File.FileHash); err != nil {
			return &resp.File, err
		}
	}
	return &resp.File, nil
}

func verifyDigest(filePath, want string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	got, err := checksum.SumReader(f)
	if err != nil {
		return fmt.Errorf("failed to hash file: %w", err)
	}
	if got != want {
		return fmt.Errorf("server digest %s does not match local digest %s", want, got)
	}
	return nil
}

func (fc *FileClient) writeUpload(mw *multipart.Writer, file *os.File, fileInfo os.FileInfo, opts UploadOptions) error {
	fields := map[string]string{
		"category": opts.Category,
		"encrypt":  strconv.FormatBool(opts.Encrypt),
	}
	if opts.TenantID != "" {
		fields["tenant_id"] = opts.TenantID
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", fileInfo.Name())
	if err != nil {
		return err
	}

	buffer := make([]byte, chunkSize)
	totalSent := int64(0)
	for {
		n, err := file.Read(buffer)
		if n > 0 {
			if _, werr := part.Write(buffer[:n]); werr != nil {
				return fmt.Errorf("failed to send chunk: %w", werr)
			}
			totalSent += int64(n)
			if fileInfo.Size() > 0 {
				fmt.Fprintf(fc.out, "\rUploading: %.2f%%", float64(totalSent)/float64(fileInfo.Size())*100)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
	}
	fmt.Fprintln(fc.out) // New line after progress
	return mw.Close()
}

// DownloadFile writes the decrypted file to outputPath. An empty outputPath
// uses the name the server suggests.
func (fc *FileClient) DownloadFile(ctx context.Context, fileID, outputPath string) (string, error) {
	req, err := fc.newRequest(ctx, http.MethodGet, "/api/files/"+url.PathEscape(fileID)+"/download", nil)
	if err != nil {
		return "", err
	}
	resp, err := fc.do(req, http.StatusOK, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if outputPath == "" {
		outputPath = fileID
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
			outputPath = filepath.Base(params["filename"])
		}
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	buffer := make([]byte, chunkSize)
	totalReceived := int64(0)
	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			if _, werr := outFile.Write(buffer[:n]); werr != nil {
				return "", fmt.Errorf("failed to write chunk: %w", werr)
			}
			totalReceived += int64(n)
			if resp.ContentLength > 0 {
				fmt.Fprintf(fc.out, "\rDownloading: %.2f%%", float64(totalReceived)/float64(resp.ContentLength)*100)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to receive chunk: %w", err)
		}
	}
	fmt.Fprintln(fc.out) // New line after progress
	return outputPath, nil
}

// GetFileMetadata retrieves metadata for a file
func (fc *FileClient) GetFileMetadata(ctx context.Context, fileID string) (*FileInfo, error) {
	req, err := fc.newRequest(ctx, http.MethodGet, "/api/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return nil, err
	}
	var info FileInfo
	if _, err := fc.do(req, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListFiles lists the files of a case
func (fc *FileClient) ListFiles(ctx context.Context, caseID string) ([]FileInfo, error) {
	req, err := fc.newRequest(ctx, http.MethodGet, "/api/cases/"+url.PathEscape(caseID)+"/files", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Files []FileInfo `json:"files"`
	}
	if _, err := fc.do(req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// DeleteFile deletes a file from every backend
func (fc *FileClient) DeleteFile(ctx context.Context, fileID string) error {
	req, err := fc.newRequest(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return err
	}
	_, err = fc.do(req, http.StatusOK, &struct{}{})
	return err
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var server, apiKey, userID string
	client := func() *FileClient { return NewFileClient(server, apiKey, userID) }

	root := &cobra.Command{
		Use:           "casevault-client",
		Short:         "Upload, fetch and delete case documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("CASEVAULT_URL", "http://localhost:8080"), "casevault base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CASEVAULT_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&userID, "user", envOr("CASEVAULT_USER", os.Getenv("USER")), "acting user id")

	var opts UploadOptions
	upload := &cobra.Command{
		Use:   "upload <case-id> <file>",
		Short: "Upload a document to a case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := client().UploadFile(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Uploaded: %s (ID: %s, %d bytes, %s)\n",
				info.StoredFilename, info.ID, info.FileSize, info.StorageType)
			return nil
		},
	}
	upload.Flags().StringVar(&opts.Category, "category", "other", "document category")
	upload.Flags().StringVar(&opts.TenantID, "tenant", "", "client/tenant identifier")
	upload.Flags().BoolVar(&opts.Encrypt, "encrypt", true, "encrypt at rest")

	var output string
	download := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := client().DownloadFile(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved to %s\n", path)
			return nil
		},
	}
	download.Flags().StringVarP(&output, "output", "o", "", "output path")

	info := &cobra.Command{
		Use:   "info <file-id>",
		Short: "Show a document's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := client().GetFileMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		},
	}

	list := &cobra.Command{
		Use:   "list <case-id>",
		Short: "List a case's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := client().ListFiles(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Found %d files:\n", len(files))
			for i, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s (ID: %s, %d bytes, %s)\n",
					i+1, f.OriginalFilename, f.ID, f.FileSize, f.StorageType)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <file-id>",
		Short: "Delete a document from every backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DeleteFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ File deleted successfully")
			return nil
		},
	}

	root.AddCommand(upload, download, info, list, del)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
