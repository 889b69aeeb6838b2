package security

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"mailflow/internal/types"
)

// MaxFilenameLength bounds sanitized filenames.
const MaxFilenameLength = 255

// maxKeyComponentLength is the S3 object-key length limit.
const maxKeyComponentLength = 1024

func isFilenameSafe(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
}

// SanitizeFilename reduces name to [A-Za-z0-9._-], neutralizes "..", trims
// leading and trailing dots and truncates to MaxFilenameLength while keeping
// the extension. An empty result becomes "file_<random>".
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if isFilenameSafe(r) {
			b.WriteRune(r)
		}
	}

	s := b.String()
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "_")
	}
	s = strings.Trim(s, ".")

	if s == "" {
		return "file_" + uuid.NewString()[:8]
	}
	return truncateFilename(s, MaxFilenameLength)
}

func truncateFilename(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := path.Ext(name)
	if len(ext) >= limit/2 {
		ext = ""
	}
	return strings.TrimRight(name[:limit-len(ext)], ".") + ext
}

// SanitizePathComponent prepares user-controlled input (a Message-ID) for use
// as one segment of an object key: only letters, digits, '-', '_', '.' and '@'
// survive, dot runs collapse, and leading/trailing dots are trimmed.
func SanitizePathComponent(s string) string {
	var b strings.Builder
	lastDot := false
	n := 0
	for _, r := range s {
		if n >= MaxFilenameLength {
			break
		}
		if !(isFilenameSafe(r) || r == '@') {
			continue
		}
		n++
		if r == '.' {
			if lastDot {
				continue
			}
			lastDot = true
		} else {
			lastDot = false
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), ".")
}

// ValidateKeyComponent rejects a key segment that could escape its prefix.
func ValidateKeyComponent(component string) error {
	var reason string
	switch {
	case component == "":
		reason = "component cannot be empty"
	case strings.Contains(component, ".."):
		reason = "component cannot contain '..'"
	case strings.ContainsAny(component, `/\`):
		reason = "component cannot contain path separators"
	case len(component) > maxKeyComponentLength:
		reason = "component too long"
	default:
		return nil
	}
	return types.NewAppError(types.ErrCodeValidationPath, reason, nil)
}

// StorageKey joins sanitized components into an object key after validating
// each one.
func StorageKey(components ...string) (string, error) {
	for _, c := range components {
		if err := ValidateKeyComponent(c); err != nil {
			return "", err
		}
	}
	return strings.Join(components, "/"), nil
}

// FilenameDeduper hands out unique names within one email. The zero value is
// not usable; call NewFilenameDeduper.
type FilenameDeduper struct {
	seen map[string]int
}

// NewFilenameDeduper creates an empty deduper.
func NewFilenameDeduper() *FilenameDeduper {
	return &FilenameDeduper{seen: make(map[string]int)}
}

// Unique returns name, or name with "_<n>" inserted before the extension if it
// was already handed out. Comparison is case-insensitive.
func (d *FilenameDeduper) Unique(name string) string {
	candidate := name
	for {
		key := strings.ToLower(candidate)
		if _, taken := d.seen[key]; !taken {
			d.seen[key] = 0
			return candidate
		}
		d.seen[strings.ToLower(name)]++
		ext := path.Ext(name)
		base := strings.TrimSuffix(name, ext)
		candidate = truncateFilename(fmt.Sprintf("%s_%d%s", base, d.seen[strings.ToLower(name)], ext), MaxFilenameLength)
	}
}

// Extension returns the lowercased extension of name without the dot, or ""
// when there is none.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}
