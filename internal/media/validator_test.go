package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/domain"
)

func TestValidator_Accept(t *testing.T) {
	v := NewPDFValidator("solo PDF")

	cases := []struct {
		name string
		ref  domain.AttachmentRef
		ok   bool
	}{
		{"pdf extension", domain.AttachmentRef{Filename: "report.pdf"}, true},
		{"upper extension", domain.AttachmentRef{Filename: "REPORT.PDF"}, true},
		{"mime only", domain.AttachmentRef{Filename: "scan", MimeType: "application/pdf"}, true},
		{"mime with params", domain.AttachmentRef{MimeType: "Application/PDF; charset=binary"}, true},
		{"wrong name right mime", domain.AttachmentRef{Filename: "notes.txt", MimeType: "application/pdf"}, true},
		{"docx", domain.AttachmentRef{Filename: "notes.docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"}, false},
		{"pdf in middle", domain.AttachmentRef{Filename: "file.pdf.exe"}, false},
		{"nothing declared", domain.AttachmentRef{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Accept(tc.ref)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "solo PDF", verr.UserMessage())
		})
	}
}
