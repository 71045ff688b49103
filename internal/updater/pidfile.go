package updater

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFileName is the lock file guarding a query folder against
// concurrent runs.
const pidFileName = ".reportmill.pid"

// pidFileMode is the permission for the created lock file.
const pidFileMode = 0o644

// ErrInstanceRunning marks a run aborted because another process holds
// the query folder's lock.
var ErrInstanceRunning = errors.New("another instance is already running")

// Lock is an acquired pid-file lock. Release removes it so the next
// scheduled run can proceed.
type Lock struct {
	path   string
	logger *slog.Logger
}

// AcquireLock claims the query folder by writing this process's pid. A
// lock held by a live process fails with ErrInstanceRunning; a stale
// file left behind by a dead process is overridden. A pid file that
// cannot be parsed also aborts, since the holder cannot be probed.
func AcquireLock(queryFolder string, logger *slog.Logger) (*Lock, error) {
	path := filepath.Join(queryFolder, pidFileName)

	raw, err := os.ReadFile(path)

	switch {
	case err == nil:
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return nil, fmt.Errorf("%w: unreadable pid file %s", ErrInstanceRunning, path)
		}

		if processAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrInstanceRunning, pid, path)
		}

		logger.Warn("updater: overriding stale pid file", "path", path, "pid", pid)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read pid file %s: %w", path, err)
	}

	err = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), pidFileMode)
	if err != nil {
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}

	return &Lock{path: path, logger: logger}, nil
}

// Release removes the pid file. Failing to remove it is logged, not
// fatal: the next run will detect the pid as its own dead predecessor.
func (l *Lock) Release() {
	err := os.Remove(l.path)
	if err != nil {
		l.logger.Warn("updater: cannot remove pid file", "path", l.path, "error", err)
	}
}

// processAlive probes a pid with the null signal. A permission error
// still means the process exists, just under another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	return errors.Is(err, syscall.EPERM)
}
