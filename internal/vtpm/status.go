package vtpm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/cvmtools/internal/pidfile"
)

type State int

const (
	NotSetup State = iota
	SetupNotRunning
	Running
	// Stale means a pid file exists but its process is gone, typically
	// after a crash.
	Stale
)

func (s State) String() string {
	switch s {
	case NotSetup:
		return "not-setup"
	case SetupNotRunning:
		return "setup-not-running"
	case Running:
		return "running"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Status struct {
	State State
	PID   int
}

func (s Status) String() string {
	switch s.State {
	case Running:
		return fmt.Sprintf("vTPM is running, pid: %d", s.PID)
	case Stale:
		return fmt.Sprintf("vTPM pid file is stale, pid: %d (process not running)", s.PID)
	case SetupNotRunning:
		return "vTPM setup but not running"
	default:
		return "vTPM not setup and not running"
	}
}

// Classify maps the observable facts to a state. It has no side effects.
func Classify(pidFilePresent, markerPresent, alive bool) State {
	switch {
	case pidFilePresent && alive:
		return Running
	case pidFilePresent:
		return Stale
	case markerPresent:
		return SetupNotRunning
	default:
		return NotSetup
	}
}

// Status inspects the pid file, the state directory and the recorded
// process. It only reads; liveness is checked with signal 0.
func (s *Supervisor) Status() (Status, error) {
	markerPresent := false
	if _, err := os.Stat(filepath.Join(s.cfg.StateDir, MarkerFile)); err == nil {
		markerPresent = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return Status{}, fmt.Errorf("inspect vTPM state: %w", err)
	}

	pid, err := pidfile.Read(s.cfg.PIDFile)
	pidPresent := true
	switch {
	case errors.Is(err, os.ErrNotExist):
		pidPresent = false
	case err != nil:
		// An unreadable pid file cannot point at a live process.
		return Status{State: Stale}, nil
	}

	alive := pidPresent && s.cfg.Alive(pid)
	return Status{State: Classify(pidPresent, markerPresent, alive), PID: pid}, nil
}
