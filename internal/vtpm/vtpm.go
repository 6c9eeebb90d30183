// Package vtpm supervises the swtpm emulator that backs a VM's virtual TPM.
package vtpm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buildkite/cvmtools/internal/pidfile"
	"github.com/buildkite/cvmtools/internal/retry"
	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/charmbracelet/log"
)

const (
	DefaultStateDir = "/tmp/vtpm"
	DefaultSocket   = "/tmp/vtpm/swtpm-sock"
	DefaultPIDFile  = "/tmp/vtpm_pid"

	// MarkerFile is written by swtpm once the TPM has persistent state.
	MarkerFile = "tpm2-00.permall"
)

var ErrNotRunning = errors.New("vTPM is not running")

type SidecarStartError struct {
	Binary   string
	StateDir string
	Err      error
}

func (e *SidecarStartError) Error() string {
	return fmt.Sprintf("start %s with state %s: %v", e.Binary, e.StateDir, e.Err)
}

func (e *SidecarStartError) Unwrap() error {
	return e.Err
}

type Config struct {
	StateDir string
	// Socket is the data socket; the control socket is Socket + ".ctrl".
	Socket  string
	PIDFile string

	Binary              string
	CreatePrimaryBinary string
	ReadPublicBinary    string

	Runner runner.Runner
	Logger *log.Logger
	Poll   retry.Policy
	// Alive reports whether a pid refers to a running process.
	Alive func(pid int) bool
}

type Supervisor struct {
	cfg Config
}

func New(cfg Config) *Supervisor {
	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = DefaultStateDir
	}
	if strings.TrimSpace(cfg.Socket) == "" {
		cfg.Socket = filepath.Join(cfg.StateDir, "swtpm-sock")
	}
	if strings.TrimSpace(cfg.PIDFile) == "" {
		cfg.PIDFile = DefaultPIDFile
	}
	if cfg.Binary == "" {
		cfg.Binary = "swtpm"
	}
	if cfg.CreatePrimaryBinary == "" {
		cfg.CreatePrimaryBinary = "tpm2_createprimary"
	}
	if cfg.ReadPublicBinary == "" {
		cfg.ReadPublicBinary = "tpm2_readpublic"
	}
	if cfg.Runner == nil {
		cfg.Runner = &runner.Exec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Poll.Attempts == 0 {
		cfg.Poll = retry.ReadinessPolicy
	}
	if cfg.Alive == nil {
		cfg.Alive = pidfile.Alive
	}
	return &Supervisor{cfg: cfg}
}

func (s *Supervisor) Socket() string {
	return s.cfg.Socket
}

func (s *Supervisor) ControlSocket() string {
	return s.cfg.Socket + ".ctrl"
}

type StartOptions struct {
	// ServerSocket also exposes the data socket used by TPM tooling.
	ServerSocket bool
}

func (s *Supervisor) startArgs(opts StartOptions) []string {
	args := []string{
		"socket", "--tpm2",
		"--pid", "file=" + s.cfg.PIDFile,
		"--tpmstate", "dir=" + s.cfg.StateDir,
		"--ctrl", "type=unixio,path=" + s.ControlSocket(),
		"--flags", "not-need-init,startup-clear",
		"-d",
	}
	if opts.ServerSocket {
		args = append(args, "--server", "type=unixio,path="+s.cfg.Socket)
	}
	return args
}

// Start launches swtpm in daemon mode and returns its pid once the pid file
// exists.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (int, error) {
	startErr := func(err error) error {
		return &SidecarStartError{Binary: s.cfg.Binary, StateDir: s.cfg.StateDir, Err: err}
	}

	status, err := s.Status()
	if err != nil {
		return 0, startErr(err)
	}
	switch status.State {
	case Running:
		return 0, startErr(fmt.Errorf("already running with pid %d", status.PID))
	case Stale:
		s.cfg.Logger.Warn("removing stale pid file", "pid_file", s.cfg.PIDFile, "pid", status.PID)
		if err := runner.RemoveFile(ctx, s.cfg.Runner, s.cfg.PIDFile); err != nil {
			return 0, startErr(err)
		}
	}

	if err := os.MkdirAll(s.cfg.StateDir, 0o700); err != nil {
		return 0, startErr(fmt.Errorf("create state directory: %w", err))
	}
	if err := s.cfg.Runner.Run(ctx, s.cfg.Binary, s.startArgs(opts)...); err != nil {
		return 0, startErr(err)
	}
	if err := retry.WaitForPath(ctx, s.cfg.PIDFile, s.cfg.Poll); err != nil {
		return 0, startErr(fmt.Errorf("pid file never appeared: %w", err))
	}
	if opts.ServerSocket {
		if err := retry.WaitForPath(ctx, s.cfg.Socket, s.cfg.Poll); err != nil {
			return 0, startErr(fmt.Errorf("server socket never appeared: %w", err))
		}
	}
	pid, err := pidfile.Read(s.cfg.PIDFile)
	if err != nil {
		return 0, startErr(err)
	}
	s.cfg.Logger.Info("vTPM started", "pid", pid, "socket", s.ControlSocket())
	return pid, nil
}

// Stop terminates the recorded process and removes its pid file. A pid
// file whose process is already gone, or that holds no pid at all, is
// removed without signalling.
func (s *Supervisor) Stop(ctx context.Context) error {
	pid, err := pidfile.Read(s.cfg.PIDFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrNotRunning
	case errors.Is(err, pidfile.ErrInvalid):
		s.cfg.Logger.Warn("removing unreadable pid file", "pid_file", s.cfg.PIDFile, "error", err)
		return runner.RemoveFile(ctx, s.cfg.Runner, s.cfg.PIDFile)
	case err != nil:
		return err
	}

	if !s.cfg.Alive(pid) {
		s.cfg.Logger.Warn("vTPM process already gone, removing pid file", "pid", pid)
		return runner.RemoveFile(ctx, s.cfg.Runner, s.cfg.PIDFile)
	}
	if err := s.cfg.Runner.Run(ctx, "kill", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("stop vTPM pid %d: %w", pid, err)
	}
	if _, err := retry.Until(ctx, s.cfg.Poll, func() (bool, error) { return !s.cfg.Alive(pid), nil }); err != nil {
		s.cfg.Logger.Warn("vTPM still running after termination request", "pid", pid, "error", err)
	}
	if err := runner.RemoveFile(ctx, s.cfg.Runner, s.cfg.PIDFile); err != nil {
		return err
	}
	s.cfg.Logger.Info("vTPM stopped", "pid", pid)
	return nil
}

// Provision creates the storage root key: it runs the emulator in server
// mode just long enough to create the primary key and read its public part.
// An emulator that was already running is left alone and provisioning is
// refused; one started here is stopped afterwards whatever the outcome.
func (s *Supervisor) Provision(ctx context.Context) error {
	status, err := s.Status()
	if err != nil {
		return err
	}
	if status.State == Running {
		return &SidecarStartError{
			Binary:   s.cfg.Binary,
			StateDir: s.cfg.StateDir,
			Err:      fmt.Errorf("already running with pid %d; stop it before provisioning", status.PID),
		}
	}

	// From here on any pid file belongs to the emulator started below.
	defer func() {
		if err := s.Stop(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrNotRunning) {
			s.cfg.Logger.Warn("stop vTPM after provisioning", "error", err)
		}
	}()

	if _, err := s.Start(ctx, StartOptions{ServerSocket: true}); err != nil {
		return err
	}

	tcti := "swtpm:path=" + s.cfg.Socket
	ctxPath := filepath.Join(s.cfg.StateDir, "srk.ctx")
	if err := s.cfg.Runner.Run(ctx, s.cfg.CreatePrimaryBinary, "-T", tcti, "-c", ctxPath); err != nil {
		return fmt.Errorf("create primary key: %w", err)
	}
	if err := s.cfg.Runner.Run(ctx, s.cfg.ReadPublicBinary, "-T", tcti, "-c", ctxPath, "-o", filepath.Join(s.cfg.StateDir, "srk.pub")); err != nil {
		return fmt.Errorf("read primary key public area: %w", err)
	}
	s.cfg.Logger.Info("vTPM provisioned", "state_dir", s.cfg.StateDir)
	return nil
}

// Destroy stops the emulator if it is running and removes all TPM state.
func (s *Supervisor) Destroy(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return fmt.Errorf("stop vTPM before destroying state: %w", err)
	}
	if err := runner.RemoveAll(ctx, s.cfg.Runner, s.cfg.StateDir); err != nil {
		return fmt.Errorf("remove vTPM state %s: %w", s.cfg.StateDir, err)
	}
	s.cfg.Logger.Info("vTPM state destroyed", "state_dir", s.cfg.StateDir)
	return nil
}
