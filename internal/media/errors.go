package media

import (
	"errors"
	"fmt"
)

// ErrTooLarge indicates the payload exceeds the configured document size cap.
var ErrTooLarge = errors.New("media too large")

// FetchKind classifies where a retrieval failed.
type FetchKind string

const (
	// MetadataUnavailable: the platform did not give us a usable download URL.
	MetadataUnavailable FetchKind = "metadata_unavailable"
	// DownloadFailed: a request at either step failed or returned non-2xx.
	DownloadFailed FetchKind = "download_failed"
)

// FetchError carries upstream diagnostics for logs. Body may contain
// platform detail and is never shown to users; use UserMessage for that.
type FetchError struct {
	Kind   FetchKind
	Status int
	Body   string
	Err    error
}

func (e *FetchError) Error() string {
	msg := "media fetch: " + string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// UserMessage is a short, credential-free description of the failure.
func (e *FetchError) UserMessage() string {
	switch {
	case e.Kind == MetadataUnavailable:
		return "No se pudo recuperar el archivo: la plataforma no entregó un enlace de descarga."
	case errors.Is(e.Err, ErrTooLarge):
		return "No se pudo recuperar el archivo: el documento supera el tamaño permitido."
	case e.Status != 0:
		return fmt.Sprintf("No se pudo recuperar el archivo (HTTP %d).", e.Status)
	default:
		return "No se pudo recuperar el archivo: error de red al descargarlo."
	}
}

// ValidationError rejects an attachment before any download is attempted.
type ValidationError struct {
	Filename string
	MimeType string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unsupported attachment (filename=%q mime=%q)", e.Filename, e.MimeType)
}

func (e *ValidationError) UserMessage() string { return e.Message }
