package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/logging"
)

func TestStager_AcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "whatsapp_downloads")
	s, err := NewStager(dir, false)
	require.NoError(t, err)

	a, err := s.Acquire([]byte("one"), "same.pdf")
	require.NoError(t, err)
	b, err := s.Acquire([]byte("two"), "same.pdf")
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path, "concurrent documents with the same name must not collide")
	assert.True(t, strings.HasSuffix(a.Path, ".pdf"))

	require.NoError(t, a.Release())
	require.NoError(t, a.Release())
	_, err = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(b.Path)
	assert.NoError(t, err)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "report.pdf", DisplayName("/etc/../report.pdf"))
	assert.Equal(t, "x.pdf", DisplayName(`C:\Users\x.pdf`))
	assert.Equal(t, "documento.pdf", DisplayName(""))
}

func TestJanitor_Sweep(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.pdf")
	fresh := filepath.Join(dir, "fresh.pdf")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	j, err := NewJanitor(dir, "@hourly", 24*time.Hour, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, j.Sweep())

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	_, err := NewJanitor(t.TempDir(), "not a schedule", time.Hour, logging.Discard())
	assert.Error(t, err)
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(t.TempDir(), "@every 1h", time.Hour, logging.Discard())
	require.NoError(t, err)
	j.Start()
	j.Stop()
}
