package filetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind is the coarse class of an upload.
type Kind string

const (
	KindImage   Kind = "image"
	KindText    Kind = "text"
	KindJSON    Kind = "json"
	KindUnknown Kind = "unknown"
)

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Kind        Kind
	Supported   bool
	Description string
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Detect detects the actual type of data using magic bytes. The file name is
// only consulted to tell NDJSON apart from plain text.
func (d *Detector) Detect(data []byte, fileName string) *FileTypeInfo {
	mtype := mimetype.Detect(data)
	mimeType := mtype.String()
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	extension := mtype.Extension()

	// newline-delimited JSON sniffs as text/plain
	ext := strings.ToLower(filepath.Ext(fileName))
	if mimeType == "text/plain" && (ext == ".json" || ext == ".ndjson" || ext == ".jsonl") {
		log.Debug().Str("ext", ext).Msg("text upload with JSON extension, treating as NDJSON")
		mimeType = "application/x-ndjson"
		extension = ext
	}

	info := &FileTypeInfo{
		MIMEType:  mimeType,
		Extension: extension,
	}
	d.classify(info)

	log.Debug().Str("mime", info.MIMEType).Str("kind", string(info.Kind)).Str("file", fileName).Msg("detected file type")
	return info
}

// classify determines which endpoints can accept the file
func (d *Detector) classify(info *FileTypeInfo) {
	mimeType := info.MIMEType

	switch {
	case mimeType == "image/jpeg", mimeType == "image/png", mimeType == "image/gif",
		mimeType == "image/webp", mimeType == "image/bmp", mimeType == "image/heic", mimeType == "image/heif":
		info.Kind = KindImage
		info.Supported = true
		info.Description = "Image file"

	case strings.HasPrefix(mimeType, "image/"):
		info.Kind = KindImage
		info.Supported = false
		info.Description = fmt.Sprintf("Unsupported image type: %s", mimeType)

	case mimeType == "application/json", mimeType == "application/x-ndjson":
		info.Kind = KindJSON
		info.Supported = true
		info.Description = "JSON document"

	case strings.HasPrefix(mimeType, "text/"):
		info.Kind = KindText
		info.Supported = true
		info.Description = "Plain text file"

	default:
		info.Kind = KindUnknown
		info.Supported = false
		info.Description = fmt.Sprintf("Unsupported file type: %s", mimeType)
	}
}

// IsImage reports whether data is an image the vision models accept.
func (d *Detector) IsImage(data []byte) (string, bool) {
	info := d.Detect(data, "")
	return info.MIMEType, info.Kind == KindImage && info.Supported
}
