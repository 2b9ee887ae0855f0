// Package naming derives stored filenames and object-store keys.
package naming

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// newID is a seam for tests.
var newID = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ext returns the lowercased extension of name, including the dot.
func Ext(name string) string {
	return strings.ToLower(path.Ext(baseName(name)))
}

// SecureFilename builds the stored filename for an upload.
//
// With a tenant the result is "{tenant}-{base}{ext}" and a base that already
// carries the tenant prefix is left alone, so the call is idempotent. Without a
// tenant an 8 hex character random prefix keeps names unique.
func SecureFilename(original, tenant string) string {
	name := baseName(original)
	ext := strings.ToLower(path.Ext(name))
	base := strings.TrimSuffix(name, path.Ext(name))

	if tenant != "" {
		if strings.HasPrefix(base, tenant+"-") {
			return base + ext
		}
		return tenant + "-" + base + ext
	}
	return newID()[:8] + "-" + base + ext
}

// ReplaceExt swaps the extension of name for ext.
func ReplaceExt(name, ext string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + ext
}

// ObjectKey returns "{scope}/{category}/{random-id}{ext}" where scope is the
// tenant identifier or, failing that, the case identifier.
func ObjectKey(scope, category, ext string) string {
	return scope + "/" + category + "/" + newID() + ext
}

// baseName drops any directory part a client may have sent, including
// windows separators.
func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
