package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/cvmtools/internal/paths"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// PrivilegedMode is "none" or "sudo"; sudo wraps host commands in `sudo -n`.
	PrivilegedMode string          `yaml:"privileged_mode"`
	TPM            TPMConfig       `yaml:"tpm"`
	VM             VMConfig        `yaml:"vm"`
	NBD            NBDConfig       `yaml:"nbd"`
	Image          ImageConfig     `yaml:"image"`
	Customize      CustomizeConfig `yaml:"customize"`
	Seed           SeedConfig      `yaml:"seed"`
	Poll           PollConfig      `yaml:"poll"`
}

type TPMConfig struct {
	StateDir string `yaml:"state_dir"`
	Socket   string `yaml:"socket"`
	PIDFile  string `yaml:"pid_file"`
}

type VMConfig struct {
	Binary               string `yaml:"binary"`
	PIDFile              string `yaml:"pid_file"`
	QMPSocket            string `yaml:"qmp_socket"`
	FirmwareCode         string `yaml:"firmware_code"`
	FirmwareVarsTemplate string `yaml:"firmware_vars_template"`
	RunDir               string `yaml:"run_dir"`
	MemoryMiB            int    `yaml:"memory_mib"`
	CPU                  string `yaml:"cpu"`
	Machine              string `yaml:"machine"`
	SSHHostPort          int    `yaml:"ssh_host_port"`
	// ShutdownTimeoutSeconds bounds how long a graceful kill waits for the
	// guest to power off before the process is killed.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

func (c VMConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

type NBDConfig struct {
	Device          string `yaml:"device"`
	PartitionSuffix string `yaml:"partition_suffix"`
}

type ImageConfig struct {
	Source   string         `yaml:"source"`
	Suite    string         `yaml:"suite"`
	Download DownloadConfig `yaml:"download"`
	Azure    AzureConfig    `yaml:"azure"`
	HTTP     HTTPConfig     `yaml:"http"`
	S3       S3Config       `yaml:"s3"`
	Tool     ToolConfig     `yaml:"tool"`
}

type DownloadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
	Attempts int   `yaml:"attempts"`
}

type AzureConfig struct {
	Location      string `yaml:"location"`
	ResourceGroup string `yaml:"resource_group"`
	DiskName      string `yaml:"disk_name"`
}

type HTTPConfig struct {
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
}

type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type ToolConfig struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

type CustomizeConfig struct {
	MaskServices []string     `yaml:"mask_services"`
	Datasources  []string     `yaml:"datasources"`
	Files        []FileConfig `yaml:"files"`
}

type FileConfig struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
	Mode    uint32 `yaml:"mode"`
}

type SeedConfig struct {
	SSHImportID       []string `yaml:"ssh_import_id"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
	Hostname          string   `yaml:"hostname"`
	Packages          []string `yaml:"packages"`
}

type PollConfig struct {
	Attempts   int `yaml:"attempts"`
	IntervalMS int `yaml:"interval_ms"`
}

func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// WithDefaults fills every unset field with the fixed values the tool has
// always used, so an empty config behaves like no config at all.
func (c Config) WithDefaults() Config {
	setString(&c.PrivilegedMode, "none")

	setString(&c.TPM.StateDir, "/tmp/vtpm")
	setString(&c.TPM.Socket, filepath.Join(c.TPM.StateDir, "swtpm-sock"))
	setString(&c.TPM.PIDFile, "/tmp/vtpm_pid")

	setString(&c.VM.Binary, "qemu-system-x86_64")
	setString(&c.VM.PIDFile, "/tmp/qemu_pid")
	setString(&c.VM.QMPSocket, "/tmp/qemu-qmp.sock")
	setString(&c.VM.FirmwareCode, "/usr/share/OVMF/OVMF_CODE_4M.ms.fd")
	setString(&c.VM.FirmwareVarsTemplate, "/usr/share/OVMF/OVMF_VARS_4M.ms.fd")
	setInt(&c.VM.MemoryMiB, 2048)
	setString(&c.VM.CPU, "host")
	setString(&c.VM.Machine, "type=q35,accel=kvm")
	setInt(&c.VM.SSHHostPort, 2222)
	setInt(&c.VM.ShutdownTimeoutSeconds, 60)

	setString(&c.NBD.Device, "/dev/nbd0")
	setString(&c.NBD.PartitionSuffix, "p1")

	setString(&c.Image.Source, "azure")
	setString(&c.Image.Suite, "jammy")
	if c.Image.Download.MaxBytes <= 0 {
		c.Image.Download.MaxBytes = 4 << 30
	}
	setInt(&c.Image.Download.Attempts, 10)
	setString(&c.Image.Azure.Location, "northeurope")
	setString(&c.Image.Azure.ResourceGroup, "cvm-tools-rg4")
	setString(&c.Image.Azure.DiskName, "cvm-tools-disk")
	setString(&c.Image.S3.Region, "us-east-1")
	setString(&c.Image.Tool.Binary, "azcopy")
	if len(c.Image.Tool.Args) == 0 {
		c.Image.Tool.Args = []string{"copy"}
	}

	if c.Customize.MaskServices == nil {
		c.Customize.MaskServices = []string{"walinuxagent"}
	}
	if len(c.Customize.Datasources) == 0 {
		c.Customize.Datasources = []string{"NoCloud", "Azure"}
	}

	if len(c.Seed.SSHImportID) == 0 && len(c.Seed.SSHAuthorizedKeys) == 0 {
		c.Seed.SSHImportID = []string{"gh:gjolly"}
	}

	setInt(&c.Poll.Attempts, 20)
	setInt(&c.Poll.IntervalMS, 50)
	return c
}

func (c Config) Validate() error {
	var errs []error
	switch c.PrivilegedMode {
	case "", "none", "sudo":
	default:
		errs = append(errs, fmt.Errorf("privileged_mode must be none or sudo, got %q", c.PrivilegedMode))
	}
	for i, f := range c.Customize.Files {
		if strings.TrimSpace(f.Path) == "" {
			errs = append(errs, fmt.Errorf("customize.files[%d].path is required", i))
		}
	}
	if c.VM.SSHHostPort < 0 || c.VM.SSHHostPort > 65535 {
		errs = append(errs, fmt.Errorf("vm.ssh_host_port %d is out of range", c.VM.SSHHostPort))
	}
	return errors.Join(errs...)
}

func setString(dst *string, fallback string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = fallback
	}
}

func setInt(dst *int, fallback int) {
	if *dst <= 0 {
		*dst = fallback
	}
}

func Path() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile parses path; a missing file yields the zero Config.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.PrivilegedMode = strings.ToLower(strings.TrimSpace(cfg.PrivilegedMode))
	cfg.Image.Source = strings.ToLower(strings.TrimSpace(cfg.Image.Source))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg at path, refusing to replace an existing file unless
// force is set.
func Write(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
