package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/buildkite/cvmtools/internal/pidfile"
	"github.com/digitalocean/go-qemu/qmp"
)

// Monitor is the subset of a QMP connection used here.
type Monitor interface {
	Connect() error
	Disconnect() error
	Run(command []byte) ([]byte, error)
}

func dialSocketMonitor(socket string) (Monitor, error) {
	return qmp.NewSocketMonitor("unix", socket, 2*time.Second)
}

type Inspection struct {
	PID   int
	Alive bool
	// Status is the QMP run state ("running", "paused", ...); empty when the
	// monitor could not be reached.
	Status  string
	Running bool
	// MonitorErr records why the QMP query failed, if it did.
	MonitorErr error
}

func (i Inspection) String() string {
	switch {
	case i.PID == 0:
		return "VM not running"
	case !i.Alive:
		return fmt.Sprintf("VM pid file is stale, pid: %d (process not running)", i.PID)
	case i.Status != "":
		return fmt.Sprintf("VM is running, pid: %d, status: %s", i.PID, i.Status)
	default:
		return fmt.Sprintf("VM is running, pid: %d", i.PID)
	}
}

type queryStatusResponse struct {
	Return struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
	} `json:"return"`
}

// Inspect combines the pid file, a liveness check and, when the process is
// alive, a QMP query-status.
func (m *Manager) Inspect(_ context.Context) (Inspection, error) {
	pid, err := pidfile.Read(m.cfg.PIDFile)
	if errors.Is(err, os.ErrNotExist) {
		return Inspection{}, nil
	}
	if err != nil {
		return Inspection{}, err
	}
	insp := Inspection{PID: pid, Alive: m.cfg.Alive(pid)}
	if !insp.Alive {
		return insp, nil
	}

	raw, err := m.execute(`{"execute":"query-status"}`)
	if err != nil {
		insp.MonitorErr = err
		return insp, nil
	}
	var resp queryStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		insp.MonitorErr = fmt.Errorf("decode query-status: %w", err)
		return insp, nil
	}
	insp.Status = resp.Return.Status
	insp.Running = resp.Return.Running
	return insp, nil
}

// Powerdown asks the guest to shut down through ACPI.
func (m *Manager) Powerdown(_ context.Context) error {
	if _, err := m.execute(`{"execute":"system_powerdown"}`); err != nil {
		return fmt.Errorf("request VM powerdown: %w", err)
	}
	m.cfg.Logger.Info("powerdown requested", "qmp_socket", m.cfg.QMPSocket)
	return nil
}

func (m *Manager) execute(command string) ([]byte, error) {
	mon, err := m.cfg.DialMonitor(m.cfg.QMPSocket)
	if err != nil {
		return nil, fmt.Errorf("open QMP socket %s: %w", m.cfg.QMPSocket, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("connect QMP socket %s: %w", m.cfg.QMPSocket, err)
	}
	defer func() { _ = mon.Disconnect() }()
	return mon.Run([]byte(command))
}
