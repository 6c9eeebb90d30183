package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/buildkite/cvmtools/internal/hosttools"
	"github.com/buildkite/cvmtools/internal/vtpm"
	"golang.org/x/sys/unix"
)

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

var kvmDevice = "/dev/kvm"

// optionalBinaries only matter for some image sources.
var optionalBinaries = map[string]bool{"az": true, "azcopy": true, "tar": true}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := ctx.doctorChecks()

	failed := 0
	for _, check := range checks {
		if check.Status == "fail" {
			failed++
		}
	}

	if d.JSON {
		payload := map[string]any{
			"config_path": ctx.ConfigPath,
			"checks":      checks,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprint(ctx.Stdout, renderDoctorReport("host", checks, shouldUseANSI(ctx.Stdout))); err != nil {
			return err
		}
	}

	if failed > 0 {
		return exitCodeError{code: 2, msg: fmt.Sprintf("doctor found %d failing check(s)", failed)}
	}
	return nil
}

func (r *runtimeContext) doctorChecks() []doctorCheck {
	cfg := r.config()
	var checks []doctorCheck
	appendCheck := func(name, status, message string) {
		checks = append(checks, doctorCheck{Name: name, Status: status, Message: message})
	}

	switch {
	case r.ConfigPath == "":
		appendCheck("runtime_config", "pass", "using built-in defaults")
	case fileExists(r.ConfigPath):
		appendCheck("runtime_config", "pass", fmt.Sprintf("using runtime config %s", r.ConfigPath))
	default:
		appendCheck("runtime_config", "pass", fmt.Sprintf("%s not found, using built-in defaults", r.ConfigPath))
	}

	if runtime.GOOS == "linux" {
		appendCheck("os", "pass", "linux host detected")
	} else {
		appendCheck("os", "fail", fmt.Sprintf("linux required, current OS is %s", runtime.GOOS))
	}

	if err := unix.Access(kvmDevice, unix.R_OK|unix.W_OK); err != nil {
		if errors.Is(err, unix.ENOENT) {
			appendCheck("kvm", "fail", fmt.Sprintf("missing %s", kvmDevice))
		} else {
			appendCheck("kvm", "fail", fmt.Sprintf("cannot open %s read-write: %v", kvmDevice, err))
		}
	} else {
		appendCheck("kvm", "pass", fmt.Sprintf("%s is accessible", kvmDevice))
	}

	tools := hosttools.Default
	if r.Tools != nil {
		tools = *r.Tools
	}
	for _, binary := range doctorBinaries(cfg.VM.Binary, cfg.Image.Tool.Binary) {
		path, err := tools.Resolve(binary)
		switch {
		case err == nil:
			appendCheck("binary_"+binary, "pass", fmt.Sprintf("found %s", path))
		case optionalBinaries[binary] || binary == cfg.Image.Tool.Binary:
			appendCheck("binary_"+binary, "warn", fmt.Sprintf("%v (needed for some image sources)", err))
		default:
			appendCheck("binary_"+binary, "fail", err.Error())
		}
	}

	firmware := []struct{ name, path string }{
		{"firmware_code", cfg.VM.FirmwareCode},
		{"firmware_vars", cfg.VM.FirmwareVarsTemplate},
	}
	for _, fw := range firmware {
		if fileExists(fw.path) {
			appendCheck(fw.name, "pass", fmt.Sprintf("found %s", fw.path))
		} else {
			appendCheck(fw.name, "fail", fmt.Sprintf("%s not found (install ovmf)", fw.path))
		}
	}

	if fileExists(cfg.NBD.Device) {
		appendCheck("nbd_device", "pass", fmt.Sprintf("%s present", cfg.NBD.Device))
	} else {
		appendCheck("nbd_device", "warn", fmt.Sprintf("%s not present yet; image customize loads the nbd module", cfg.NBD.Device))
	}

	if cfg.PrivilegedMode != "sudo" && os.Geteuid() != 0 {
		appendCheck("privileges", "warn", "not running as root and privileged_mode is none; image customize needs root")
	} else {
		appendCheck("privileges", "pass", fmt.Sprintf("privileged_mode %s", cfg.PrivilegedMode))
	}

	status, err := r.supervisor().Status()
	switch {
	case err != nil:
		appendCheck("vtpm", "fail", err.Error())
	case status.State == vtpm.Stale || status.State == vtpm.NotSetup:
		appendCheck("vtpm", "warn", status.String())
	default:
		appendCheck("vtpm", "pass", status.String())
	}

	return checks
}

func doctorBinaries(vmBinary, toolBinary string) []string {
	out := make([]string, 0, len(hosttools.All())+2)
	seen := map[string]bool{}
	add := func(binary string) {
		if binary == "" || seen[binary] {
			return
		}
		seen[binary] = true
		out = append(out, binary)
	}
	for _, binary := range hosttools.All() {
		if binary == hosttools.VMStart[0] {
			binary = vmBinary
		}
		if binary == hosttools.DownloadTool[0] {
			binary = toolBinary
		}
		add(binary)
	}
	return out
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
