package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/buildkite/cvmtools/internal/nbd"
	"github.com/buildkite/cvmtools/internal/paths"
	"github.com/buildkite/cvmtools/internal/pidfile"
	"github.com/buildkite/cvmtools/internal/seed"
	"github.com/buildkite/cvmtools/internal/vm"
)

type VMCommand struct {
	Start  VMStartCommand  `cmd:"" help:"Launch the VM with the vTPM attached"`
	Kill   VMKillCommand   `cmd:"" help:"Stop the VM"`
	Status VMStatusCommand `cmd:"" help:"Report VM state"`
}

type VMStartCommand struct {
	Image  string `arg:"" optional:"" help:"Disk image to boot (default jammy.img)"`
	Format string `help:"Image format passed to QEMU (raw|vpc|qcow2); detected from the file name when empty"`
}

type VMKillCommand struct {
	Graceful bool `help:"Ask the guest to power down through QMP before falling back to kill"`
}

type VMStatusCommand struct{}

func (c *VMStartCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.config()
	if err := ctx.require(cfg.VM.Binary, "cloud-localds"); err != nil {
		return err
	}

	image := c.Image
	if image == "" {
		image = defaultImage
	}
	image = resolvePath(ctx.CWD, image)

	format := nbd.DetectFormat(image)
	if c.Format != "" {
		parsed, err := nbd.ParseFormat(c.Format)
		if err != nil {
			return err
		}
		format = parsed
	}

	if _, err := os.Stat(image); err != nil {
		return &vm.LaunchError{Stage: "validate", Image: image, Err: err}
	}
	if status, ok := tpmRunning(ctx); !ok {
		return fmt.Errorf("vTPM must be running before the VM starts (%s); run `cvm-tools tpm start`", status)
	}
	manager := ctx.vmManager()
	if err := manager.CheckNotRunning(ctx.ctx()); err != nil {
		return &vm.LaunchError{Stage: "validate", Image: image, Err: err}
	}

	if err := ctx.printf("Creating cloud-init config drive"); err != nil {
		return err
	}
	seedDir, err := paths.SeedDir()
	if err != nil {
		return fmt.Errorf("resolve seed directory: %w", err)
	}
	builder := seed.Builder{
		Dir:    seedDir,
		Runner: ctx.hostRunner("seed"),
		Logger: ctx.logger("seed"),
	}
	seedImage, err := builder.Build(ctx.ctx(), seed.UserData{
		Hostname:          cfg.Seed.Hostname,
		SSHImportID:       cfg.Seed.SSHImportID,
		SSHAuthorizedKeys: cfg.Seed.SSHAuthorizedKeys,
		Packages:          cfg.Seed.Packages,
	})
	if err != nil {
		return fmt.Errorf("failed to create cloud-init drive: %w", err)
	}

	if err := ctx.printf("Starting VM: %s", image); err != nil {
		return err
	}
	inst, err := manager.Launch(ctx.ctx(), vm.Request{
		Image:     image,
		Format:    string(format),
		Seed:      seedImage,
		TPMSocket: cfg.TPM.Socket,
	})
	if err != nil {
		return err
	}
	ctx.logger("vm").Debug("instance recorded", "id", inst.ID, "run_dir", inst.RunDir)

	return ctx.printf("connect to QMP with:\n    qmp-shell %s\nssh to the guest with:\n    ssh -p %d localhost",
		inst.QMPSocket, inst.SSHPort)
}

func (c *VMKillCommand) Run(ctx *runtimeContext) error {
	manager := ctx.vmManager()
	if c.Graceful {
		insp, err := manager.Inspect(ctx.ctx())
		if err != nil && !errors.Is(err, pidfile.ErrInvalid) {
			return err
		}
		if insp.PID != 0 && insp.Alive {
			if err := ctx.printf("Powering down VM"); err != nil {
				return err
			}
			err := manager.Powerdown(ctx.ctx())
			if err == nil {
				err = manager.WaitForExit(ctx.ctx(), insp.PID)
			}
			if err == nil {
				return ctx.printf("VM powered off")
			}
			if ctx.ctx().Err() != nil {
				return err
			}
			ctx.logger("vm").Warn("graceful shutdown failed, killing VM", "pid", insp.PID, "error", err)
		}
	}
	if err := ctx.printf("Stopping VM"); err != nil {
		return err
	}
	return manager.Kill(context.WithoutCancel(ctx.ctx()))
}

// Run prints the state line; every state is a successful exit.
func (c *VMStatusCommand) Run(ctx *runtimeContext) error {
	insp, err := ctx.vmManager().Inspect(ctx.ctx())
	if err != nil {
		return err
	}
	if insp.MonitorErr != nil {
		ctx.logger("vm").Debug("QMP query failed", "error", insp.MonitorErr)
	}
	return ctx.printf("%s", insp)
}
