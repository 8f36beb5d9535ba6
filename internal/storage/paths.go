package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/local/submitgate/internal/apperr"
)

// ObjectKeyFromURL takes the last path segment of raw, URL-decodes it and
// joins it to prefix. The segment must be a bare file name.
func ObjectKeyFromURL(raw, prefix string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.New(apperr.InvalidInput, "missing_url", "missing GCS URL")
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	seg := raw[strings.LastIndex(raw, "/")+1:]
	name, err := url.PathUnescape(seg)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidInput, "bad_url", err, "cannot decode file name %q", seg)
	}
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") ||
		strings.ContainsFunc(name, unicode.IsControl) {
		return "", apperr.New(apperr.InvalidInput, "bad_url", fmt.Sprintf("invalid file name %q", name))
	}
	return normalizeFolder(prefix) + name, nil
}

// UploadKey builds "<folder><unix millis>-<name>". An empty folder means
// "uploads/".
func UploadKey(folder, originalName string, now time.Time) (string, error) {
	if strings.TrimSpace(folder) == "" {
		folder = "uploads/"
	}
	if strings.Contains(folder, "..") || strings.ContainsRune(folder, '\\') {
		return "", apperr.New(apperr.InvalidInput, "bad_path", fmt.Sprintf("invalid upload path %q", folder))
	}
	clean := path.Clean("/" + folder)
	clean = strings.TrimPrefix(clean, "/")
	name := SanitizeFileName(originalName)
	if name == "" {
		return "", apperr.New(apperr.InvalidInput, "bad_name", "file name is required")
	}
	return fmt.Sprintf("%s%d-%s", normalizeFolder(clean), now.UnixMilli(), name), nil
}

// SanitizeFileName keeps the base name and replaces characters that are
// awkward in object keys.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			return r
		case unicode.IsSpace(r):
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return '_'
		}
	}, name)
}

func normalizeFolder(f string) string {
	f = strings.TrimLeft(f, "/")
	if f == "" || strings.HasSuffix(f, "/") {
		return f
	}
	return f + "/"
}
