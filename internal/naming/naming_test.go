package naming

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureFilenameWithTenant(t *testing.T) {
	got := SecureFilename("Bank Statement.PDF", "CL-0001")
	assert.Equal(t, "CL-0001-Bank Statement.pdf", got)
}

func TestSecureFilenameNeverDoublePrefixes(t *testing.T) {
	name := "bob.jpg"
	for i := 0; i < 5; i++ {
		name = SecureFilename(name, "CL-0001")
	}
	assert.Equal(t, "CL-0001-bob.jpg", name)
	assert.Equal(t, 1, strings.Count(name, "CL-0001"))
}

func TestSecureFilenameWithoutTenant(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{8}-payslip\.pdf$`)

	a := SecureFilename("payslip.pdf", "")
	b := SecureFilename("payslip.pdf", "")

	assert.Regexp(t, pattern, a)
	assert.Regexp(t, pattern, b)
	assert.NotEqual(t, a, b)
}

func TestSecureFilenameStripsDirectories(t *testing.T) {
	assert.Equal(t, "CL-1-passwd", SecureFilename("../../etc/passwd", "CL-1"))
	assert.Equal(t, "CL-1-id.png", SecureFilename(`C:\Users\me\id.png`, "CL-1"))
}

func TestObjectKeyLayout(t *testing.T) {
	orig := newID
	t.Cleanup(func() { newID = orig })
	newID = func() string { return "0123456789abcdef0123456789abcdef" }

	assert.Equal(t, "CL-0001/debt/0123456789abcdef0123456789abcdef.pdf", ObjectKey("CL-0001", "debt", ".pdf"))
}

func TestObjectKeyIsRandom(t *testing.T) {
	a := ObjectKey("case-1", "other", ".png")
	b := ObjectKey("case-1", "other", ".png")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^case-1/other/[0-9a-f]{32}\.png$`, a)
}

func TestExtAndReplaceExt(t *testing.T) {
	assert.Equal(t, ".heic", Ext("IMG_0001.HEIC"))
	assert.Equal(t, "", Ext("README"))
	assert.Equal(t, "CL-1-photo.jpg", ReplaceExt("CL-1-photo.heic", ".jpg"))
}
