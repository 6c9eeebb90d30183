// Package pidfile reads pid files written by daemonizing programs and checks
// whether the recorded process is still alive.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrInvalid marks a pid file that exists but holds no usable pid.
var ErrInvalid = errors.New("invalid pid file")

// Read returns the pid recorded in path. A missing file is reported with
// an error matching os.ErrNotExist, unparsable content with ErrInvalid.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s does not contain a pid: %q", ErrInvalid, path, raw)
	}
	return pid, nil
}

// Alive sends signal 0 to pid. A process owned by another user (EPERM)
// counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
