package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/shadowmon/internal/errors"
)

const (
	filePrefix = "shadowmon-"
	fileSuffix = ".pid"
	filePerm   = 0o600
)

// File guards a single reporter per device id on this host.
type File struct {
	path string
}

// New returns the pid file for deviceID inside dir. An empty dir means
// the system temp directory.
func New(dir, deviceID string) *File {
	if dir == "" {
		dir = os.TempDir()
	}
	name := filePrefix + sanitize(deviceID) + fileSuffix
	return &File{path: filepath.Join(dir, name)}
}

func (f *File) Path() string {
	return f.path
}

// Write writes the current process ID to the PID file. A file held by
// another live process fails with ErrAlreadyRunning; a stale one is
// replaced.
func (f *File) Write() error {
	errFactory := errors.New()

	if owner, ok := f.owner(); ok && owner != os.Getpid() && alive(owner) {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			PID  int
			Path string
		}{
			PID:  owner,
			Path: f.path,
		})
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), filePerm); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file if this process owns it.
func (f *File) Remove() error {
	errFactory := errors.New()

	owner, ok := f.owner()
	if !ok || owner != os.Getpid() {
		return nil
	}

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func (f *File) owner() (int, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, id)
}
