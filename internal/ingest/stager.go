package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Stager writes fetched documents into a per-channel temp directory.
type Stager struct {
	dir  string
	keep bool
}

// NewStager creates dir if needed. With keep set, Release leaves files in
// place for the Janitor to collect.
func NewStager(dir string, keep bool) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return &Stager{dir: dir, keep: keep}, nil
}

func (s *Stager) Dir() string { return s.dir }

// Lease is one staged file.
type Lease struct {
	Path string
	keep bool
}

// Acquire writes data under a collision-free name that keeps the
// original extension.
func (s *Stager) Acquire(data []byte, filename string) (*Lease, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || len(ext) > 8 {
		ext = ".pdf"
	}
	path := filepath.Join(s.dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("stage document: %w", err)
	}
	return &Lease{Path: path, keep: s.keep}, nil
}

// Release removes the staged file. Safe to call more than once.
func (l *Lease) Release() error {
	if l == nil || l.keep {
		return nil
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DisplayName returns a safe filename to hand to the content engine.
func DisplayName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "documento.pdf"
	}
	return name
}
