package vm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/cvmtools/internal/retry"
	"github.com/buildkite/cvmtools/internal/runner"
)

type fakeMonitor struct {
	mu        sync.Mutex
	commands  []string
	response  []byte
	connected bool
}

func (f *fakeMonitor) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeMonitor) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeMonitor) Run(command []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, errors.New("not connected")
	}
	f.commands = append(f.commands, string(command))
	return f.response, nil
}

type vmFixture struct {
	root     string
	image    string
	seed     string
	template string
	rec      *runner.Recorder
	alive    map[int]bool
	monitor  *fakeMonitor
	cfg      Config
	mgr      *Manager
}

func newVMFixture(t *testing.T) *vmFixture {
	t.Helper()

	root := t.TempDir()
	f := &vmFixture{
		root:     root,
		image:    filepath.Join(root, "jammy.img"),
		seed:     filepath.Join(root, "seed.img"),
		template: filepath.Join(root, "OVMF_VARS_4M.ms.fd"),
		rec:      runner.NewRecorder(),
		alive:    map[int]bool{},
		monitor:  &fakeMonitor{response: []byte(`{"return":{"status":"running","singlestep":false,"running":true}}`)},
	}
	for path, content := range map[string]string{f.image: "disk", f.seed: "seed", f.template: "uefi-vars-template"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	f.cfg = Config{
		PIDFile:              filepath.Join(root, "qemu_pid"),
		QMPSocket:            filepath.Join(root, "qemu-qmp.sock"),
		FirmwareCode:         filepath.Join(root, "OVMF_CODE_4M.ms.fd"),
		FirmwareVarsTemplate: f.template,
		RunDir:               filepath.Join(root, "vms"),
		Runner:               f.rec,
		Alive:                func(pid int) bool { return f.alive[pid] },
		DialMonitor:          func(string) (Monitor, error) { return f.monitor, nil },
	}
	f.rec.OnCall = func(call runner.Call) error {
		switch call.Name {
		case DefaultBinary:
			f.alive[777] = true
			return os.WriteFile(f.cfg.PIDFile, []byte("777\n"), 0o644)
		case "kill":
			delete(f.alive, 777)
		}
		return nil
	}
	f.mgr = New(f.cfg)
	return f
}

func (f *vmFixture) request() Request {
	return Request{Image: f.image, Seed: f.seed, TPMSocket: "/tmp/vtpm/swtpm-sock"}
}

func TestLaunchArguments(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	inst, err := f.mgr.Launch(context.Background(), f.request())
	if err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}

	want := []string{
		"--cpu", "host",
		"-machine", "type=q35,accel=kvm",
		"-m", "2048",
		"-daemonize",
		"-pidfile", f.cfg.PIDFile,
		"-qmp", "unix:" + f.cfg.QMPSocket + ",server=on,wait=off",
		"-snapshot",
		"-netdev", "id=net00,type=user,hostfwd=tcp::2222-:22",
		"-device", "virtio-net-pci,netdev=net00",
		"-chardev", "socket,id=chrtpm,path=/tmp/vtpm/swtpm-sock.ctrl",
		"-tpmdev", "emulator,id=tpm0,chardev=chrtpm",
		"-device", "tpm-tis,tpmdev=tpm0",
		"-drive", "if=virtio,format=raw,file=" + f.image,
		"-drive", "if=virtio,format=raw,file=" + f.seed,
		"-drive", "if=pflash,format=raw,unit=0,file=" + f.cfg.FirmwareCode + ",readonly=on",
		"-drive", "if=pflash,format=raw,unit=1,file=" + inst.VarsPath,
	}
	calls := f.rec.Calls()
	if len(calls) != 1 || calls[0].Name != DefaultBinary {
		t.Fatalf("unexpected calls: %q", f.rec.Commands())
	}
	if got := strings.Join(calls[0].Args, " "); got != strings.Join(want, " ") {
		t.Fatalf("unexpected qemu arguments:\ngot  %q\nwant %q", got, strings.Join(want, " "))
	}

	if inst.PID != 777 {
		t.Fatalf("unexpected pid: got %d want %d", inst.PID, 777)
	}
	if !strings.HasPrefix(filepath.Base(inst.RunDir), "vm") || filepath.Dir(inst.RunDir) != f.cfg.RunDir {
		t.Fatalf("unexpected run dir %q", inst.RunDir)
	}

	b, err := os.ReadFile(filepath.Join(inst.RunDir, instanceFileName))
	if err != nil {
		t.Fatalf("read instance record: %v", err)
	}
	var recorded Instance
	if err := json.Unmarshal(b, &recorded); err != nil {
		t.Fatalf("decode instance record: %v", err)
	}
	if recorded.ID != inst.ID || recorded.PID != 777 || recorded.VarsPath != inst.VarsPath {
		t.Fatalf("unexpected instance record: %+v", recorded)
	}
}

func TestLaunchCopiesFreshFirmwareVarsEachTime(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	before, err := os.ReadFile(f.template)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	sum := sha256.Sum256(before)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		inst, err := f.mgr.Launch(context.Background(), f.request())
		if err != nil {
			t.Fatalf("launch %d returned error: %v", i, err)
		}
		if seen[inst.VarsPath] {
			t.Fatalf("launch %d reused firmware vars %s", i, inst.VarsPath)
		}
		seen[inst.VarsPath] = true

		copied, err := os.ReadFile(inst.VarsPath)
		if err != nil {
			t.Fatalf("read vars copy: %v", err)
		}
		if !bytes.Equal(copied, before) {
			t.Fatalf("vars copy differs from template: got %q want %q", copied, before)
		}
		// Simulate the guest writing UEFI variables.
		if err := os.WriteFile(inst.VarsPath, []byte("guest-modified"), 0o600); err != nil {
			t.Fatalf("modify vars copy: %v", err)
		}
		if err := f.mgr.Kill(context.Background()); err != nil {
			t.Fatalf("Kill returned error: %v", err)
		}
	}

	after, err := os.ReadFile(f.template)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if sha256.Sum256(after) != sum {
		t.Fatal("firmware vars template changed across launches")
	}
}

func TestLaunchMissingImageLeavesNoState(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	req := f.request()
	req.Image = filepath.Join(f.root, "missing.img")

	_, err := f.mgr.Launch(context.Background(), req)
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if launchErr.Stage != "validate" {
		t.Fatalf("unexpected stage: got %q want %q", launchErr.Stage, "validate")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped os.ErrNotExist, got %v", err)
	}
	if got := len(f.rec.Calls()); got != 0 {
		t.Fatalf("expected no hypervisor call, got %q", f.rec.Commands())
	}
	if _, err := os.Stat(f.cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected no pid file, stat err=%v", err)
	}
	if _, err := os.Stat(f.cfg.RunDir); !os.IsNotExist(err) {
		t.Fatalf("expected no run dir, stat err=%v", err)
	}
}

func TestLaunchHypervisorFailureRemovesScratch(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	f.rec.OnCall = nil
	f.rec.FailProgram = DefaultBinary

	_, err := f.mgr.Launch(context.Background(), f.request())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Stage != "hypervisor" {
		t.Fatalf("expected hypervisor LaunchError, got %v", err)
	}
	var cmdErr *runner.ExternalCommandError
	if !errors.As(err, &cmdErr) || cmdErr.Stderr != "injected failure" {
		t.Fatalf("expected wrapped ExternalCommandError, got %v", err)
	}
	entries, err := os.ReadDir(f.cfg.RunDir)
	if err != nil {
		t.Fatalf("read run dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected scratch directories to be removed, found %d", len(entries))
	}
}

func TestLaunchMissingTemplate(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	if err := os.Remove(f.template); err != nil {
		t.Fatalf("remove template: %v", err)
	}
	_, err := f.mgr.Launch(context.Background(), f.request())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Stage != "firmware" {
		t.Fatalf("expected firmware LaunchError, got %v", err)
	}
	if got := len(f.rec.Calls()); got != 0 {
		t.Fatalf("expected no hypervisor call, got %q", f.rec.Commands())
	}
}

func TestLaunchRefusesWhenRunning(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Launch(ctx, f.request()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	_, err := f.mgr.Launch(ctx, f.request())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Stage != "validate" {
		t.Fatalf("expected validate LaunchError, got %v", err)
	}
}

func TestKill(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	ctx := context.Background()
	if err := f.mgr.Kill(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	if _, err := f.mgr.Launch(ctx, f.request()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	if err := f.mgr.Kill(ctx); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
	cmds := f.rec.Commands()
	if got, want := cmds[len(cmds)-1], "kill 777"; got != want {
		t.Fatalf("unexpected kill command: got %q want %q", got, want)
	}
	if _, err := os.Stat(f.cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
}

func TestKillStalePIDFile(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	if err := os.WriteFile(f.cfg.PIDFile, []byte("31337"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := f.mgr.Kill(context.Background()); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
	if got := len(f.rec.Calls()); got != 0 {
		t.Fatalf("expected no signal for stale pid, got %q", f.rec.Commands())
	}
}

func TestKillRemovesUnparsablePIDFile(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	if err := os.WriteFile(f.cfg.PIDFile, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := f.mgr.Kill(context.Background()); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
	if _, err := os.Stat(f.cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	if got := len(f.rec.Calls()); got != 0 {
		t.Fatalf("expected no commands, got %q", f.rec.Commands())
	}

	// A launch is not blocked by the garbage either.
	if err := os.WriteFile(f.cfg.PIDFile, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if _, err := f.mgr.Launch(context.Background(), f.request()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
}

func TestKillRemovesRunDirOfKilledInstance(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	ctx := context.Background()
	other := filepath.Join(f.cfg.RunDir, "vm_other")
	if err := os.MkdirAll(other, 0o755); err != nil {
		t.Fatalf("mkdir other run dir: %v", err)
	}
	if err := writeJSON(filepath.Join(other, instanceFileName), Instance{ID: "vm_other", PID: 555}); err != nil {
		t.Fatalf("write other instance: %v", err)
	}

	inst, err := f.mgr.Launch(ctx, f.request())
	if err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	if err := f.mgr.Kill(ctx); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
	if _, err := os.Stat(inst.RunDir); !os.IsNotExist(err) {
		t.Fatalf("expected run dir %s removed, stat err=%v", inst.RunDir, err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("expected unrelated run dir to survive: %v", err)
	}
}

func TestLaunchAfterStaleProcessPrunesItsRunDir(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	ctx := context.Background()
	first, err := f.mgr.Launch(ctx, f.request())
	if err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	// The hypervisor died without anyone running kill.
	delete(f.alive, 777)

	second, err := f.mgr.Launch(ctx, f.request())
	if err != nil {
		t.Fatalf("relaunch returned error: %v", err)
	}
	if _, err := os.Stat(first.RunDir); !os.IsNotExist(err) {
		t.Fatalf("expected stale run dir removed, stat err=%v", err)
	}
	if _, err := os.Stat(second.VarsPath); err != nil {
		t.Fatalf("expected fresh vars copy: %v", err)
	}
}

func TestPrivilegedKillRemovesPIDFileThroughRunner(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	f.rec.Escalate = true
	ctx := context.Background()
	if _, err := f.mgr.Launch(ctx, f.request()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	if err := f.mgr.Kill(ctx); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
	cmds := f.rec.Commands()
	want := []string{"kill 777", "rm -f -- " + f.cfg.PIDFile}
	if got := cmds[1:]; strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected commands: got %q want %q", got, want)
	}
}

func TestWaitForExitOutlastsReadinessPoll(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	if err := os.WriteFile(f.cfg.PIDFile, []byte("777\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	checks := 0
	cfg := f.cfg
	cfg.Poll = retry.ReadinessPolicy.WithSleep(noSleep)
	cfg.ShutdownPoll = ShutdownPolicy.WithSleep(noSleep)
	cfg.Alive = func(int) bool {
		checks++
		return checks <= 3*retry.ReadinessPolicy.Attempts
	}

	if err := New(cfg).WaitForExit(context.Background(), 777); err != nil {
		t.Fatalf("WaitForExit returned error: %v", err)
	}
	if checks <= retry.ReadinessPolicy.Attempts {
		t.Fatalf("expected more than %d liveness checks, got %d", retry.ReadinessPolicy.Attempts, checks)
	}
	if got := len(f.rec.Calls()); got != 0 {
		t.Fatalf("expected no kill, got %q", f.rec.Commands())
	}
	if _, err := os.Stat(f.cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
}

func TestWaitForExitGivesUpAfterShutdownPoll(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	cfg := f.cfg
	cfg.ShutdownPoll = retry.Policy{Attempts: 4, Interval: time.Second}.WithSleep(noSleep)
	cfg.Alive = func(int) bool { return true }

	err := New(cfg).WaitForExit(context.Background(), 777)
	if err == nil || !strings.Contains(err.Error(), "VM pid 777 still running") {
		t.Fatalf("expected still running error, got %v", err)
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestInspect(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	ctx := context.Background()

	insp, err := f.mgr.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if got, want := insp.String(), "VM not running"; got != want {
		t.Fatalf("unexpected inspection: got %q want %q", got, want)
	}

	if _, err := f.mgr.Launch(ctx, f.request()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	insp, err = f.mgr.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if !insp.Alive || !insp.Running || insp.Status != "running" {
		t.Fatalf("unexpected inspection: %+v", insp)
	}
	if got, want := insp.String(), "VM is running, pid: 777, status: running"; got != want {
		t.Fatalf("unexpected inspection: got %q want %q", got, want)
	}
	if got, want := f.monitor.commands[0], `{"execute":"query-status"}`; got != want {
		t.Fatalf("unexpected QMP command: got %q want %q", got, want)
	}
}

func TestInspectMonitorUnavailable(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	f.cfg.DialMonitor = func(string) (Monitor, error) { return nil, errors.New("connection refused") }
	f.mgr = New(f.cfg)

	if _, err := f.mgr.Launch(context.Background(), f.request()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	insp, err := f.mgr.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if insp.MonitorErr == nil || insp.Status != "" {
		t.Fatalf("expected monitor error to be recorded, got %+v", insp)
	}
	if got, want := insp.String(), "VM is running, pid: 777"; got != want {
		t.Fatalf("unexpected inspection: got %q want %q", got, want)
	}
}

func TestPowerdown(t *testing.T) {
	t.Parallel()

	f := newVMFixture(t)
	f.monitor.response = []byte(`{"return":{}}`)
	if err := f.mgr.Powerdown(context.Background()); err != nil {
		t.Fatalf("Powerdown returned error: %v", err)
	}
	if got, want := f.monitor.commands[0], `{"execute":"system_powerdown"}`; got != want {
		t.Fatalf("unexpected QMP command: got %q want %q", got, want)
	}
	if f.monitor.connected {
		t.Fatal("expected monitor to be disconnected")
	}
}

func TestNewInstanceIDFallsBackToTimestamp(t *testing.T) {
	orig := generateTypeID
	t.Cleanup(func() { generateTypeID = orig })
	generateTypeID = func(string) (string, error) { return "", errors.New("entropy unavailable") }

	if got := newInstanceID(); !strings.HasPrefix(got, "vm-") {
		t.Fatalf("expected timestamp fallback id, got %q", got)
	}
}
