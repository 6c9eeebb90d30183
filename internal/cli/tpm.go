package cli

import (
	"github.com/buildkite/cvmtools/internal/hosttools"
	"github.com/buildkite/cvmtools/internal/vtpm"
)

type TPMCommand struct {
	Start   TPMStartCommand   `cmd:"" help:"Start the vTPM emulator"`
	Setup   TPMSetupCommand   `cmd:"" help:"Provision the storage root key"`
	Kill    TPMKillCommand    `cmd:"" help:"Stop the vTPM emulator"`
	Destroy TPMDestroyCommand `cmd:"" help:"Stop the emulator and delete all vTPM state"`
	Status  TPMStatusCommand  `cmd:"" help:"Report vTPM state"`
}

type TPMStartCommand struct{}

type TPMSetupCommand struct{}

type TPMKillCommand struct{}

type TPMDestroyCommand struct{}

type TPMStatusCommand struct{}

func (c *TPMStartCommand) Run(ctx *runtimeContext) error {
	if err := ctx.require(hosttools.TPMStart...); err != nil {
		return err
	}
	if err := ctx.printf("Starting vTPM"); err != nil {
		return err
	}
	sup := ctx.supervisor()
	pid, err := sup.Start(ctx.ctx(), vtpm.StartOptions{})
	if err != nil {
		return err
	}
	return ctx.printf("vTPM is running, pid: %d, control socket: %s", pid, sup.ControlSocket())
}

func (c *TPMSetupCommand) Run(ctx *runtimeContext) error {
	if err := ctx.require(hosttools.TPMSetup...); err != nil {
		return err
	}
	if err := ctx.printf("Creating SRK"); err != nil {
		return err
	}
	return ctx.supervisor().Provision(ctx.ctx())
}

func (c *TPMKillCommand) Run(ctx *runtimeContext) error {
	if err := ctx.printf("Stopping TPM"); err != nil {
		return err
	}
	return ctx.supervisor().Stop(ctx.ctx())
}

func (c *TPMDestroyCommand) Run(ctx *runtimeContext) error {
	if err := ctx.printf("Destroying vTPM state"); err != nil {
		return err
	}
	return ctx.supervisor().Destroy(ctx.ctx())
}

// Run prints the state line; every state is a successful exit.
func (c *TPMStatusCommand) Run(ctx *runtimeContext) error {
	status, err := ctx.supervisor().Status()
	if err != nil {
		return err
	}
	return ctx.printf("%s", status)
}

func tpmRunning(ctx *runtimeContext) (vtpm.Status, bool) {
	status, err := ctx.supervisor().Status()
	if err != nil {
		ctx.logger("vtpm").Warn("inspect vTPM", "error", err)
		return vtpm.Status{}, false
	}
	return status, status.State == vtpm.Running
}
