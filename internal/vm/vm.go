// Package vm launches and stops the QEMU process that boots a customized
// image with a virtual TPM.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/cvmtools/internal/pidfile"
	"github.com/buildkite/cvmtools/internal/retry"
	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/charmbracelet/log"
)

const (
	DefaultBinary               = "qemu-system-x86_64"
	DefaultPIDFile              = "/tmp/qemu_pid"
	DefaultQMPSocket            = "/tmp/qemu-qmp.sock"
	DefaultFirmwareCode         = "/usr/share/OVMF/OVMF_CODE_4M.ms.fd"
	DefaultFirmwareVarsTemplate = "/usr/share/OVMF/OVMF_VARS_4M.ms.fd"
	DefaultMemoryMiB            = 2048
	DefaultSSHHostPort          = 2222

	varsFileName     = "OVMF_VARS.fd"
	instanceFileName = "instance.json"
)

var ErrNotRunning = errors.New("VM is not running")

type LaunchError struct {
	Stage string
	Image string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch VM from %s (%s): %v", e.Image, e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

type Config struct {
	Binary               string
	PIDFile              string
	QMPSocket            string
	FirmwareCode         string
	FirmwareVarsTemplate string
	// RunDir holds one scratch directory per launch.
	RunDir      string
	MemoryMiB   int
	CPU         string
	Machine     string
	SSHHostPort int

	Runner runner.Runner
	Logger *log.Logger
	// Alive reports whether a pid refers to a running process.
	Alive func(pid int) bool
	// DialMonitor opens a QMP connection; nil uses the QMP socket.
	DialMonitor func(socket string) (Monitor, error)
	Poll        retry.Policy
	// ShutdownPoll bounds the wait for a guest to power off.
	ShutdownPoll retry.Policy
}

// ShutdownPolicy gives an ACPI powerdown a minute to finish.
var ShutdownPolicy = retry.Policy{Attempts: 120, Interval: 500 * time.Millisecond}

type Manager struct {
	cfg Config
}

func New(cfg Config) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if strings.TrimSpace(cfg.PIDFile) == "" {
		cfg.PIDFile = DefaultPIDFile
	}
	if strings.TrimSpace(cfg.QMPSocket) == "" {
		cfg.QMPSocket = DefaultQMPSocket
	}
	if cfg.FirmwareCode == "" {
		cfg.FirmwareCode = DefaultFirmwareCode
	}
	if cfg.FirmwareVarsTemplate == "" {
		cfg.FirmwareVarsTemplate = DefaultFirmwareVarsTemplate
	}
	if strings.TrimSpace(cfg.RunDir) == "" {
		cfg.RunDir = filepath.Join(os.TempDir(), "cvm-tools", "vms")
	}
	if cfg.MemoryMiB <= 0 {
		cfg.MemoryMiB = DefaultMemoryMiB
	}
	if cfg.CPU == "" {
		cfg.CPU = "host"
	}
	if cfg.Machine == "" {
		cfg.Machine = "type=q35,accel=kvm"
	}
	if cfg.SSHHostPort <= 0 {
		cfg.SSHHostPort = DefaultSSHHostPort
	}
	if cfg.Runner == nil {
		cfg.Runner = &runner.Exec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Alive == nil {
		cfg.Alive = pidfile.Alive
	}
	if cfg.DialMonitor == nil {
		cfg.DialMonitor = dialSocketMonitor
	}
	if cfg.Poll.Attempts == 0 {
		cfg.Poll = retry.ReadinessPolicy
	}
	if cfg.ShutdownPoll.Attempts == 0 {
		cfg.ShutdownPoll = ShutdownPolicy
	}
	return &Manager{cfg: cfg}
}

func (m *Manager) QMPSocket() string {
	return m.cfg.QMPSocket
}

type Request struct {
	Image string
	// Format of Image as understood by QEMU; empty means raw.
	Format string
	Seed   string
	// TPMSocket is the swtpm socket base path; QEMU attaches to its
	// control socket.
	TPMSocket string
}

type Instance struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid,omitempty"`
	Image      string    `json:"image"`
	Seed       string    `json:"seed"`
	RunDir     string    `json:"run_dir"`
	VarsPath   string    `json:"vars_path"`
	QMPSocket  string    `json:"qmp_socket"`
	SSHPort    int       `json:"ssh_port"`
	Args       []string  `json:"args"`
	LaunchedAt time.Time `json:"launched_at"`
}

func (m *Manager) args(req Request, varsPath string) []string {
	format := req.Format
	if format == "" {
		format = "raw"
	}
	return []string{
		"--cpu", m.cfg.CPU,
		"-machine", m.cfg.Machine,
		"-m", strconv.Itoa(m.cfg.MemoryMiB),
		"-daemonize",
		"-pidfile", m.cfg.PIDFile,
		"-qmp", "unix:" + m.cfg.QMPSocket + ",server=on,wait=off",
		"-snapshot",
		"-netdev", fmt.Sprintf("id=net00,type=user,hostfwd=tcp::%d-:22", m.cfg.SSHHostPort),
		"-device", "virtio-net-pci,netdev=net00",
		"-chardev", "socket,id=chrtpm,path=" + req.TPMSocket + ".ctrl",
		"-tpmdev", "emulator,id=tpm0,chardev=chrtpm",
		"-device", "tpm-tis,tpmdev=tpm0",
		"-drive", "if=virtio,format=" + format + ",file=" + req.Image,
		"-drive", "if=virtio,format=raw,file=" + req.Seed,
		"-drive", "if=pflash,format=raw,unit=0,file=" + m.cfg.FirmwareCode + ",readonly=on",
		"-drive", "if=pflash,format=raw,unit=1,file=" + varsPath,
	}
}

// Launch starts QEMU in daemonizing mode. Every launch boots from its own
// copy of the firmware variables template. A hypervisor that exits zero
// after forking counts as launched.
func (m *Manager) Launch(ctx context.Context, req Request) (Instance, error) {
	launchErr := func(stage string, err error) error {
		return &LaunchError{Stage: stage, Image: req.Image, Err: err}
	}

	for _, path := range []string{req.Image, req.Seed} {
		if _, err := os.Stat(path); err != nil {
			return Instance{}, launchErr("validate", err)
		}
	}
	if err := m.CheckNotRunning(ctx); err != nil {
		return Instance{}, launchErr("validate", err)
	}

	inst := Instance{
		ID:        newInstanceID(),
		Image:     req.Image,
		Seed:      req.Seed,
		QMPSocket: m.cfg.QMPSocket,
		SSHPort:   m.cfg.SSHHostPort,
	}
	inst.RunDir = filepath.Join(m.cfg.RunDir, inst.ID)
	if err := os.MkdirAll(inst.RunDir, 0o755); err != nil {
		return Instance{}, launchErr("run-dir", err)
	}
	discard := func() {
		if err := os.RemoveAll(inst.RunDir); err != nil {
			m.cfg.Logger.Warn("remove run directory", "run_dir", inst.RunDir, "error", err)
		}
	}

	inst.VarsPath = filepath.Join(inst.RunDir, varsFileName)
	if err := copyFile(m.cfg.FirmwareVarsTemplate, inst.VarsPath); err != nil {
		discard()
		return Instance{}, launchErr("firmware", fmt.Errorf("copy firmware variables: %w", err))
	}

	inst.Args = m.args(req, inst.VarsPath)
	m.cfg.Logger.Info("starting VM", "id", inst.ID, "image", req.Image)
	if err := m.cfg.Runner.Run(ctx, m.cfg.Binary, inst.Args...); err != nil {
		discard()
		return Instance{}, launchErr("hypervisor", err)
	}
	inst.LaunchedAt = time.Now().UTC()

	if pid, err := pidfile.Read(m.cfg.PIDFile); err == nil {
		inst.PID = pid
	} else {
		m.cfg.Logger.Warn("hypervisor did not leave a pid file", "pid_file", m.cfg.PIDFile, "error", err)
	}
	if err := writeJSON(filepath.Join(inst.RunDir, instanceFileName), inst); err != nil {
		m.cfg.Logger.Warn("write instance record", "run_dir", inst.RunDir, "error", err)
	}
	m.cfg.Logger.Info("VM started", "id", inst.ID, "pid", inst.PID, "qmp_socket", inst.QMPSocket)
	return inst, nil
}

// CheckNotRunning fails when the pid file names a live process. Unparsable
// pid files are removed; a stale one takes its launch's scratch directory
// with it.
func (m *Manager) CheckNotRunning(ctx context.Context) error {
	pid, err := pidfile.Read(m.cfg.PIDFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case errors.Is(err, pidfile.ErrInvalid):
		m.cfg.Logger.Warn("removing unreadable pid file", "pid_file", m.cfg.PIDFile, "error", err)
		return runner.RemoveFile(ctx, m.cfg.Runner, m.cfg.PIDFile)
	case err != nil:
		return err
	}
	if m.cfg.Alive(pid) {
		return fmt.Errorf("VM already running with pid %d", pid)
	}
	m.cfg.Logger.Warn("removing stale pid file", "pid_file", m.cfg.PIDFile, "pid", pid)
	if err := runner.RemoveFile(ctx, m.cfg.Runner, m.cfg.PIDFile); err != nil {
		return err
	}
	m.releaseRunDirs(pid)
	return nil
}

// Kill terminates the process recorded in the pid file and removes it
// together with the launch's scratch directory.
func (m *Manager) Kill(ctx context.Context) error {
	pid, err := pidfile.Read(m.cfg.PIDFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrNotRunning
	case errors.Is(err, pidfile.ErrInvalid):
		m.cfg.Logger.Warn("removing unreadable pid file", "pid_file", m.cfg.PIDFile, "error", err)
		return runner.RemoveFile(ctx, m.cfg.Runner, m.cfg.PIDFile)
	case err != nil:
		return err
	}

	if !m.cfg.Alive(pid) {
		m.cfg.Logger.Warn("VM process already gone, removing pid file", "pid", pid)
		return m.release(ctx, pid)
	}
	if err := m.cfg.Runner.Run(ctx, "kill", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("stop VM pid %d: %w", pid, err)
	}
	if err := m.release(ctx, pid); err != nil {
		return err
	}
	m.cfg.Logger.Info("VM stopped", "pid", pid)
	return nil
}

// WaitForExit polls, within the shutdown budget, until the recorded process
// is gone and then releases its pid file and scratch directory. It follows
// a graceful powerdown.
func (m *Manager) WaitForExit(ctx context.Context, pid int) error {
	if _, err := retry.Until(ctx, m.cfg.ShutdownPoll, func() (bool, error) { return !m.cfg.Alive(pid), nil }); err != nil {
		return fmt.Errorf("VM pid %d still running: %w", pid, err)
	}
	return m.release(ctx, pid)
}

func (m *Manager) release(ctx context.Context, pid int) error {
	if err := runner.RemoveFile(ctx, m.cfg.Runner, m.cfg.PIDFile); err != nil {
		return err
	}
	m.releaseRunDirs(pid)
	return nil
}

// releaseRunDirs removes the scratch directories whose instance record
// names pid.
func (m *Manager) releaseRunDirs(pid int) {
	entries, err := os.ReadDir(m.cfg.RunDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.cfg.Logger.Warn("list run directories", "run_dir", m.cfg.RunDir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.RunDir, entry.Name())
		var inst Instance
		if err := readJSON(filepath.Join(dir, instanceFileName), &inst); err != nil || inst.PID != pid {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.cfg.Logger.Warn("remove run directory", "run_dir", dir, "error", err)
			continue
		}
		m.cfg.Logger.Debug("run directory removed", "id", inst.ID, "run_dir", dir)
	}
}
