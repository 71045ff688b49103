package updater_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/reportmill/internal/updater"
)

func pidPath(dir string) string {
	return filepath.Join(dir, ".reportmill.pid")
}

func TestAcquireLock_WritesOwnPid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	lock, err := updater.AcquireLock(dir, discardLogger())
	require.NoError(t, err)

	raw, err := os.ReadFile(pidPath(dir))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))

	lock.Release()

	_, err = os.Stat(pidPath(dir))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAcquireLock_LiveHolderRefused(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(pidPath(dir), []byte(strconv.Itoa(os.Getpid())), 0o644))

	_, err := updater.AcquireLock(dir, discardLogger())
	assert.ErrorIs(t, err, updater.ErrInstanceRunning)
}

func TestAcquireLock_UnreadablePidFileRefused(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(pidPath(dir), []byte("not a pid"), 0o644))

	_, err := updater.AcquireLock(dir, discardLogger())
	assert.ErrorIs(t, err, updater.ErrInstanceRunning)
}

func TestAcquireLock_StaleHolderOverridden(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Far above any real pid_max, so no live process can hold it.
	require.NoError(t, os.WriteFile(pidPath(dir), []byte("99999999"), 0o644))

	lock, err := updater.AcquireLock(dir, discardLogger())
	require.NoError(t, err)
	defer lock.Release()

	raw, err := os.ReadFile(pidPath(dir))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))
}
