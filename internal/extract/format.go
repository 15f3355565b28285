package extract

import (
	"mime"
	"path/filepath"
	"strings"
)

// Format is a document container the extractor understands.
type Format int

const (
	FormatUnknown Format = iota
	FormatPlainText
	FormatPDF
	FormatDOCX
)

const (
	MIMEPlainText = "text/plain"
	MIMEPDF       = "application/pdf"
	MIMEDOCX      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

func (f Format) String() string {
	switch f {
	case FormatPlainText:
		return "text"
	case FormatPDF:
		return "pdf"
	case FormatDOCX:
		return "docx"
	default:
		return "unknown"
	}
}

// MIMEType returns the canonical content type of f.
func (f Format) MIMEType() string {
	switch f {
	case FormatPlainText:
		return MIMEPlainText
	case FormatPDF:
		return MIMEPDF
	case FormatDOCX:
		return MIMEDOCX
	default:
		return ""
	}
}

// FormatFromMIME maps a content type, parameters allowed, to a Format.
func FormatFromMIME(contentType string) Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case MIMEPlainText:
		return FormatPlainText
	case MIMEPDF:
		return FormatPDF
	case MIMEDOCX:
		return FormatDOCX
	default:
		return FormatUnknown
	}
}

// FormatFromName maps a file extension to a Format.
func FormatFromName(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return FormatPlainText
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	default:
		return FormatUnknown
	}
}

// DetectFormat prefers the declared content type and falls back to the
// file extension.
func DetectFormat(contentType, name string) Format {
	if f := FormatFromMIME(contentType); f != FormatUnknown {
		return f
	}
	return FormatFromName(name)
}
