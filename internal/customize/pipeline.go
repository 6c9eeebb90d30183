// Package customize mounts an attached image, applies customization steps
// inside it and releases the mount and block device on every exit path.
package customize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/buildkite/cvmtools/internal/nbd"
	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/buildkite/cvmtools/internal/scope"
	"github.com/charmbracelet/log"
)

type CustomizeError struct {
	Image string
	Stage string
	Err   error
}

func (e *CustomizeError) Error() string {
	return fmt.Sprintf("customize %s: %s: %v", e.Image, e.Stage, e.Err)
}

func (e *CustomizeError) Unwrap() error {
	return e.Err
}

// Attacher is the block device side of the pipeline; *nbd.Manager
// implements it.
type Attacher interface {
	LoadModule(ctx context.Context) error
	Attach(ctx context.Context, image string, format nbd.Format) (nbd.Handle, error)
	Detach(ctx context.Context, h nbd.Handle) error
}

type Config struct {
	Devices Attacher
	Runner  runner.Runner
	// TempDir holds the mountpoint. Defaults to os.TempDir().
	TempDir string
	Steps   []Step
	Logger  *log.Logger
}

type Pipeline struct {
	devices Attacher
	runner  runner.Runner
	tempDir string
	steps   []Step
	logger  *log.Logger
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		devices: cfg.Devices,
		runner:  cfg.Runner,
		tempDir: strings.TrimSpace(cfg.TempDir),
		steps:   cfg.Steps,
		logger:  cfg.Logger,
	}
	if p.runner == nil {
		p.runner = &runner.Exec{}
	}
	if p.devices == nil {
		p.devices = nbd.New(nbd.Config{Runner: p.runner, Logger: cfg.Logger})
	}
	if p.tempDir == "" {
		p.tempDir = os.TempDir()
	}
	if p.steps == nil {
		p.steps = DefaultSteps(nil, nil)
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	return p
}

// Run attaches image, mounts its first partition, applies every step and
// then unmounts, removes the mountpoint and detaches. Release always runs;
// release failures are joined after the error that stopped the pipeline.
func (p *Pipeline) Run(ctx context.Context, image string, format nbd.Format) (err error) {
	stage := "open-image"
	var releases scope.Stack
	defer func() {
		releaseErr := releases.Release(ctx)
		switch {
		case err == nil && releaseErr == nil:
			return
		case err == nil:
			stage = "release"
			err = releaseErr
		case releaseErr != nil:
			err = errors.Join(err, releaseErr)
		}
		err = &CustomizeError{Image: image, Stage: stage, Err: err}
	}()

	if _, err := os.Stat(image); err != nil {
		return err
	}

	stage = "load-module"
	if err := p.devices.LoadModule(ctx); err != nil {
		return err
	}

	stage = "attach"
	handle, err := p.devices.Attach(ctx, image, format)
	if err != nil {
		return err
	}
	releases.Defer("detach", func(ctx context.Context) error {
		return p.devices.Detach(ctx, handle)
	})

	stage = "mount"
	mountpoint, err := os.MkdirTemp(p.tempDir, "mountpoint-")
	if err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}
	mounted := false
	releases.Defer("remove-mountpoint", func(context.Context) error {
		if mounted {
			return fmt.Errorf("%s is still mounted, leaving it in place", mountpoint)
		}
		return os.Remove(mountpoint)
	})
	if err := p.runner.Run(ctx, "mount", handle.Partition, mountpoint); err != nil {
		return err
	}
	mounted = true
	releases.Defer("unmount", func(ctx context.Context) error {
		if err := p.runner.Run(ctx, "umount", mountpoint); err != nil {
			return err
		}
		mounted = false
		return nil
	})
	p.logger.Info("image mounted", "partition", handle.Partition, "mountpoint", mountpoint)

	for _, step := range p.steps {
		stage = "customize:" + step.Name()
		p.logger.Debug("applying step", "step", step.Name(), "root", mountpoint)
		if err := step.Apply(ctx, mountpoint, p.runner); err != nil {
			return err
		}
	}
	stage = "release"
	p.logger.Info("image customized", "image", image, "steps", len(p.steps))
	return nil
}
