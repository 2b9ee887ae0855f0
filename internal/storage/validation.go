package storage

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"unicode"
)

// DefaultAllowedExtensions is the upload allow-list.
var DefaultAllowedExtensions = []string{
	".doc", ".docx", ".gif", ".html", ".jpeg", ".jpg", ".heic",
	".lgb", ".msg", ".pdf", ".png", ".qb1", ".rtf", ".tiff", ".xml",
}

const DefaultMaxFileSize = 50 * 1024 * 1024

// extensionTypes backs up content sniffing for container and legacy formats
// that http.DetectContentType cannot tell apart.
var extensionTypes = map[string]string{
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".gif":  "image/gif",
	".html": "text/html",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".heic": "image/heic",
	".msg":  "application/vnd.ms-outlook",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".rtf":  "application/rtf",
	".tiff": "image/tiff",
	".xml":  "application/xml",
}

// genericTypes are sniffing results too vague to keep when the extension
// says more.
var genericTypes = map[string]bool{
	"application/octet-stream": true,
	"application/zip":          true,
	"text/plain":               true,
}

// DetectContentType sniffs data and falls back to the extension table when
// the sniffed type is generic.
func DetectContentType(data []byte, ext string) string {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	actual := http.DetectContentType(head)

	base := strings.TrimSpace(strings.Split(actual, ";")[0])
	if genericTypes[base] {
		if byExt, ok := extensionTypes[ext]; ok {
			return byExt
		}
	}
	return actual
}

// AllowedMimeTypes lists the MIME types uploads of the allowed extensions
// are expected to carry.
func AllowedMimeTypes(exts []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ext := range exts {
		if mt, ok := extensionTypes[ext]; ok && !seen[mt] {
			seen[mt] = true
			out = append(out, mt)
		}
	}
	sort.Strings(out)
	return out
}

func checkExtension(allowed map[string]bool, sorted []string, ext string) error {
	if ext == "" {
		return validationErrorf("File has no extension. Allowed types are: %s", strings.Join(sorted, ", "))
	}
	if !allowed[ext] {
		return validationErrorf("File type '%s' is not allowed. Allowed types are: %s", ext, strings.Join(sorted, ", "))
	}
	return nil
}

// checkIdentifier guards case and tenant ids, which end up in paths and keys.
func checkIdentifier(kind, id string) error {
	if id == "" {
		return validationErrorf("%s is required", kind)
	}
	if len(id) > 128 {
		return validationErrorf("%s is too long", kind)
	}
	if id == "." || id == ".." {
		return validationErrorf("invalid %s", kind)
	}
	for _, r := range id {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return validationErrorf("invalid %s", kind)
		}
	}
	return nil
}

func formatSize(n int64) string {
	return fmt.Sprintf("%.0fMB", float64(n)/(1024*1024))
}
