package security

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"mailflow/internal/config"
	"mailflow/internal/types"
)

// signature ties an extension to its canonical type and the magic prefixes its
// content must start with. An empty magic list accepts any content.
type signature struct {
	mime  string
	magic [][]byte
}

var (
	magicZIP = []byte{0x50, 0x4B, 0x03, 0x04}
	magicOLE = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	magicJPG = []byte{0xFF, 0xD8, 0xFF}
	magicTIF = [][]byte{{0x49, 0x49, 0x2A, 0x00}, {0x4D, 0x4D, 0x00, 0x2A}}
)

var signatures = map[string]signature{
	// Images
	"jpg":  {"image/jpeg", [][]byte{magicJPG}},
	"jpeg": {"image/jpeg", [][]byte{magicJPG}},
	"png":  {"image/png", [][]byte{{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}},
	"gif":  {"image/gif", [][]byte{[]byte("GIF87a"), []byte("GIF89a")}},
	"webp": {"image/webp", [][]byte{[]byte("RIFF")}},
	"bmp":  {"image/bmp", [][]byte{[]byte("BM")}},
	"tif":  {"image/tiff", magicTIF},
	"tiff": {"image/tiff", magicTIF},

	// Documents
	"pdf":  {"application/pdf", [][]byte{[]byte("%PDF")}},
	"rtf":  {"application/rtf", [][]byte{[]byte(`{\rtf`)}},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", [][]byte{magicZIP}},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", [][]byte{magicZIP}},
	"pptx": {"application/vnd.openxmlformats-officedocument.presentationml.presentation", [][]byte{magicZIP}},
	"doc":  {"application/msword", [][]byte{magicOLE}},
	"xls":  {"application/vnd.ms-excel", [][]byte{magicOLE}},
	"ppt":  {"application/vnd.ms-powerpoint", [][]byte{magicOLE}},
	"odt":  {"application/vnd.oasis.opendocument.text", [][]byte{magicZIP}},
	"ods":  {"application/vnd.oasis.opendocument.spreadsheet", [][]byte{magicZIP}},

	// Archives
	"zip": {"application/zip", [][]byte{magicZIP, {0x50, 0x4B, 0x05, 0x06}}},
	"gz":  {"application/gzip", [][]byte{{0x1F, 0x8B}}},

	// Text
	"txt":  {"text/plain", nil},
	"csv":  {"text/csv", nil},
	"md":   {"text/markdown", nil},
	"html": {"text/html", nil},
	"htm":  {"text/html", nil},
	"xml":  {"text/xml", nil},
	"json": {"application/json", nil},
	"ics":  {"text/calendar", nil},
	"eml":  {"message/rfc822", nil},
}

// KnownExtensions lists the extensions that have a signature entry.
func KnownExtensions() []string {
	out := make([]string, 0, len(signatures))
	for ext := range signatures {
		out = append(out, ext)
	}
	return out
}

// extensionByType maps each canonical type to its shortest extension.
var extensionByType = func() map[string]string {
	exts := KnownExtensions()
	sort.Strings(exts)
	out := make(map[string]string, len(exts))
	for _, ext := range exts {
		mime := signatures[ext].mime
		if cur, ok := out[mime]; !ok || len(ext) < len(cur) {
			out[mime] = ext
		}
	}
	return out
}()

// ExtensionForType returns the extension used for a part that arrived without
// a filename, or "bin" when the type has no signature entry.
func ExtensionForType(mediaType string) string {
	if ext, ok := extensionByType[BaseMediaType(mediaType)]; ok {
		return ext
	}
	return "bin"
}

// FileTypePolicy decides whether an attachment may be stored.
type FileTypePolicy struct {
	blockedExtensions map[string]struct{}
	blockedTypes      map[string]struct{}
	allowedTypes      map[string]struct{}
}

// NewFileTypePolicy builds a policy from configuration. Extensions may be
// written with or without the leading dot; all comparisons ignore case.
func NewFileTypePolicy(cfg config.SecurityConfig) *FileTypePolicy {
	p := &FileTypePolicy{
		blockedExtensions: make(map[string]struct{}, len(cfg.BlockedExtensions)),
		blockedTypes:      make(map[string]struct{}, len(cfg.BlockedContentTypes)),
		allowedTypes:      make(map[string]struct{}, len(cfg.AllowedContentTypes)),
	}
	for _, e := range cfg.BlockedExtensions {
		if e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), "."); e != "" {
			p.blockedExtensions[e] = struct{}{}
		}
	}
	for _, ct := range cfg.BlockedContentTypes {
		if ct = BaseMediaType(ct); ct != "" {
			p.blockedTypes[ct] = struct{}{}
		}
	}
	for _, ct := range cfg.AllowedContentTypes {
		if ct = BaseMediaType(ct); ct != "" {
			p.allowedTypes[ct] = struct{}{}
		}
	}
	return p
}

// IsBlockedExtension reports whether filename ends in a blocked extension.
func (p *FileTypePolicy) IsBlockedExtension(filename string) bool {
	_, blocked := p.blockedExtensions[Extension(filename)]
	return blocked
}

// Check validates the filename and declared content type against the policy.
func (p *FileTypePolicy) Check(filename, declaredType string) error {
	ext := Extension(filename)
	if ext == "" {
		return fileTypeError("no file extension found", filename)
	}
	if _, blocked := p.blockedExtensions[ext]; blocked {
		return fileTypeError("blocked extension ."+ext, filename)
	}

	ct := BaseMediaType(declaredType)
	if _, blocked := p.blockedTypes[ct]; blocked {
		return fileTypeError("blocked content type "+ct, filename)
	}
	if len(p.allowedTypes) > 0 {
		if _, ok := p.allowedTypes[ct]; !ok {
			return fileTypeError("content type "+ct+" is not in the allowed list", filename)
		}
	}
	return nil
}

// VerifyContent checks the magic bytes of data against the signature table
// entry for the filename's extension and returns the canonical type.
func (p *FileTypePolicy) VerifyContent(filename string, data []byte) (string, error) {
	ext := Extension(filename)
	sig, ok := signatures[ext]
	if !ok {
		return "", fileTypeError("file type ."+ext+" is not allowed", filename)
	}
	if len(sig.magic) == 0 {
		return sig.mime, nil
	}
	for _, magic := range sig.magic {
		if bytes.HasPrefix(data, magic) {
			return sig.mime, nil
		}
	}
	return "", types.NewAppErrorWithDetails(types.ErrCodeValidationFileType,
		fmt.Sprintf("file type mismatch: %s has extension .%s but its content does not match", filename, ext),
		nil, map[string]any{"extension": ext, "detected": DetectContentType(data)})
}

// DetectContentType sniffs the media type of data, without parameters.
func DetectContentType(data []byte) string {
	return BaseMediaType(mimetype.Detect(data).String())
}

// BaseMediaType lowercases a media type and strips its parameters.
func BaseMediaType(ct string) string {
	base, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func fileTypeError(reason, filename string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationFileType,
		fmt.Sprintf("file type not allowed: %s", reason), nil,
		map[string]any{"filename": filename})
}
