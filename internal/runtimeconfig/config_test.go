package runtimeconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	configPath := filepath.Join(tmp, "cvm-tools", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func TestLoadMissingFileReturnsZeroConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("cvm-tools", "config.yaml")) {
		t.Fatalf("unexpected config path: %q", path)
	}
	if cfg.Image.Source != "" || cfg.VM.MemoryMiB != 0 {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadParsesSections(t *testing.T) {
	writeConfig(t, `privileged_mode: SUDO
tpm:
  state_dir: /var/lib/vtpm
vm:
  memory_mib: 4096
  ssh_host_port: 2022
  shutdown_timeout_seconds: 300
image:
  source: " S3 "
  s3:
    endpoint: http://127.0.0.1:9000
    path_style: true
customize:
  mask_services: []
  files:
    - path: /etc/motd
      content: hello
      mode: 0644
seed:
  ssh_authorized_keys:
    - ssh-ed25519 AAAA test
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got, want := cfg.PrivilegedMode, "sudo"; got != want {
		t.Fatalf("unexpected privileged mode: got %q want %q", got, want)
	}
	if got, want := cfg.Image.Source, "s3"; got != want {
		t.Fatalf("unexpected image source: got %q want %q", got, want)
	}
	if !cfg.Image.S3.PathStyle {
		t.Fatal("expected path_style to be parsed")
	}
	if got, want := cfg.Customize.Files[0].Mode, uint32(0o644); got != want {
		t.Fatalf("unexpected file mode: got %o want %o", got, want)
	}

	cfg = cfg.WithDefaults()
	if got, want := cfg.TPM.Socket, "/var/lib/vtpm/swtpm-sock"; got != want {
		t.Fatalf("socket should follow state dir: got %q want %q", got, want)
	}
	if got, want := cfg.VM.MemoryMiB, 4096; got != want {
		t.Fatalf("unexpected memory: got %d want %d", got, want)
	}
	if got, want := cfg.VM.ShutdownTimeout(), 5*time.Minute; got != want {
		t.Fatalf("unexpected shutdown timeout: got %s want %s", got, want)
	}
	if len(cfg.Customize.MaskServices) != 0 {
		t.Fatalf("explicit empty mask list must be kept, got %v", cfg.Customize.MaskServices)
	}
	if len(cfg.Seed.SSHImportID) != 0 {
		t.Fatalf("authorized keys must suppress the default import id, got %v", cfg.Seed.SSHImportID)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `privileged_mode: root
customize:
  files:
    - content: orphan
`)

	_, _, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{path, "privileged_mode", "customize.files[0].path"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in error, got %q", want, msg)
		}
	}
}

func TestWithDefaultsOnZeroConfig(t *testing.T) {
	t.Parallel()

	cfg := Config{}.WithDefaults()
	checks := map[string][2]string{
		"tpm socket":  {cfg.TPM.Socket, "/tmp/vtpm/swtpm-sock"},
		"tpm pid":     {cfg.TPM.PIDFile, "/tmp/vtpm_pid"},
		"vm pid":      {cfg.VM.PIDFile, "/tmp/qemu_pid"},
		"qmp":         {cfg.VM.QMPSocket, "/tmp/qemu-qmp.sock"},
		"nbd device":  {cfg.NBD.Device, "/dev/nbd0"},
		"source":      {cfg.Image.Source, "azure"},
		"azure group": {cfg.Image.Azure.ResourceGroup, "cvm-tools-rg4"},
		"import id":   {strings.Join(cfg.Seed.SSHImportID, ","), "gh:gjolly"},
		"datasources": {strings.Join(cfg.Customize.Datasources, ","), "NoCloud,Azure"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Fatalf("%s: got %q want %q", name, c[0], c[1])
		}
	}
	if got, want := cfg.Poll.Interval().Milliseconds(), int64(50); got != want {
		t.Fatalf("unexpected poll interval: got %d want %d", got, want)
	}
	if got, want := cfg.Poll.Attempts, 20; got != want {
		t.Fatalf("unexpected poll attempts: got %d want %d", got, want)
	}
	if got, want := cfg.VM.ShutdownTimeout(), time.Minute; got != want {
		t.Fatalf("unexpected shutdown timeout: got %s want %s", got, want)
	}
}

func TestWriteRefusesOverwriteWithoutForce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := Write(path, Config{}.WithDefaults(), false); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := Write(path, Config{}, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
	if err := Write(path, Config{}.WithDefaults(), true); err != nil {
		t.Fatalf("Write with force returned error: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if got, want := cfg.VM.SSHHostPort, 2222; got != want {
		t.Fatalf("round-tripped port: got %d want %d", got, want)
	}
}
