package media

import (
	"mime"
	"strings"

	"chatgate/internal/domain"
)

const (
	PDFExtension = ".pdf"
	PDFMimeType  = "application/pdf"
)

// Validator decides whether an attachment is a supported document type.
// Either a matching extension or a matching declared MIME type is enough,
// since some platforms set one of them wrong.
type Validator struct {
	extension     string
	mimeType      string
	rejectMessage string
}

// NewPDFValidator accepts PDF documents only.
func NewPDFValidator(rejectMessage string) *Validator {
	return &Validator{
		extension:     PDFExtension,
		mimeType:      PDFMimeType,
		rejectMessage: rejectMessage,
	}
}

// Accept returns nil or a *ValidationError.
func (v *Validator) Accept(ref domain.AttachmentRef) error {
	name := strings.ToLower(strings.TrimSpace(ref.Filename))
	if name != "" && strings.HasSuffix(name, v.extension) {
		return nil
	}
	if declared := baseMime(ref.MimeType); declared != "" && declared == v.mimeType {
		return nil
	}
	return &ValidationError{Filename: ref.Filename, MimeType: ref.MimeType, Message: v.rejectMessage}
}

// baseMime strips parameters ("; charset=...") and lowercases.
func baseMime(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return mt
	}
	if i := strings.Index(s, ";"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}
