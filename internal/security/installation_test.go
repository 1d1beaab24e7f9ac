package security

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadOrCreateInstallationFirstRun(t *testing.T) {
	dir := t.TempDir()

	inst, err := LoadOrCreateInstallation(dir, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.NotEqual(t, uuid.Nil, inst.ID)
	assert.Len(t, inst.Secret, secretSize)
	assert.False(t, inst.CreatedAt.IsZero())

	info, err := os.Stat(filepath.Join(dir, installationFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreateInstallationIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstallation(dir, discardLogger())
	require.NoError(t, err)
	second, err := LoadOrCreateInstallation(dir, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Secret, second.Secret)
}

func TestLoadOrCreateInstallationReplacesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, installationFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	inst, err := LoadOrCreateInstallation(dir, discardLogger())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, inst.ID)

	// The replacement must be readable on the next load.
	again, err := LoadOrCreateInstallation(dir, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)
}

func TestDeviceHintCarriesPlatform(t *testing.T) {
	inst := &Installation{ID: uuid.New()}
	hint := inst.DeviceHint()
	assert.NotEmpty(t, hint)
	assert.Contains(t, hint, "/")
}

func TestWriteFileAtomicCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c.json")

	require.NoError(t, WriteFileAtomic(path, []byte("data"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestWriteFileAtomicReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")
	require.NoError(t, WriteFileAtomic(path, []byte("old"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("new"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
