package cli

import (
	"github.com/buildkite/cvmtools/internal/runtimeconfig"
)

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a runtime config populated with the defaults"`
}

type ConfigInitCommand struct {
	Path  string `help:"Config file to write (defaults to the runtime config path)"`
	Force bool   `help:"Overwrite an existing file"`
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := c.Path
	if path == "" {
		var err error
		path, err = runtimeconfig.Path()
		if err != nil {
			return err
		}
	}
	path = resolvePath(ctx.CWD, path)

	if err := runtimeconfig.Write(path, runtimeconfig.Config{}.WithDefaults(), c.Force); err != nil {
		return err
	}
	return ctx.printf("wrote runtime config to %s", path)
}
