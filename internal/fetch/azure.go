package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/buildkite/cvmtools/internal/scope"
	"github.com/charmbracelet/log"
)

const (
	DefaultAzureLocation      = "northeurope"
	DefaultAzureResourceGroup = "cvm-tools-rg4"
	DefaultAzureDiskName      = "cvm-tools-disk"

	// sasDurationSeconds is how long the exported disk URL stays valid.
	sasDurationSeconds = "86400"
)

// Azure exports a confidential VM image from the marketplace: it creates a
// managed disk from the image in a scratch resource group, downloads it
// through a SAS URL and deletes the group again. The identifier is the
// Ubuntu suite.
type Azure struct {
	Runner        runner.Runner
	HTTP          *HTTP
	Binary        string
	Location      string
	ResourceGroup string
	DiskName      string
	Logger        *log.Logger
}

// ImageURN returns the marketplace image for suite.
func ImageURN(suite string) string {
	return fmt.Sprintf("Canonical:0001-com-ubuntu-confidential-vm-%s:22_04-lts-cvm:latest", suite)
}

func (a *Azure) Fetch(ctx context.Context, suite, dest string, force bool) error {
	skip, err := Skip(dest, force)
	if err == nil && skip {
		a.logger().Info("image already present, skipping download", "path", dest)
		return nil
	}
	if err == nil {
		err = a.export(ctx, suite, dest)
	}
	if err != nil {
		return &FetchError{Source: "azure", Identifier: suite, Destination: dest, Err: err}
	}
	return nil
}

func (a *Azure) logger() *log.Logger {
	if a.Logger == nil {
		return log.New(io.Discard)
	}
	return a.Logger
}

func (a *Azure) export(ctx context.Context, suite, dest string) (err error) {
	r := a.Runner
	if r == nil {
		r = &runner.Exec{}
	}
	az := a.Binary
	if az == "" {
		az = "az"
	}
	location := valueOr(a.Location, DefaultAzureLocation)
	group := valueOr(a.ResourceGroup, DefaultAzureResourceGroup)
	disk := valueOr(a.DiskName, DefaultAzureDiskName)
	logger := a.logger()

	var stack scope.Stack
	defer stack.Close(ctx, &err)

	logger.Info("creating resource group", "group", group, "location", location)
	if err := r.Run(ctx, az, "group", "create", "--location", location, "--resource-group", group); err != nil {
		return err
	}
	stack.Defer("delete resource group "+group, func(ctx context.Context) error {
		return r.Run(ctx, az, "group", "delete", "--resource-group", group, "--no-wait", "--yes")
	})

	urn := ImageURN(suite)
	logger.Info("creating disk", "disk", disk, "image", urn)
	if err := r.Run(ctx, az, "disk", "create",
		"--resource-group", group,
		"--name", disk,
		"--hyper-v-generation", "V2",
		"--image-reference", urn,
	); err != nil {
		return err
	}

	out, err := r.Output(ctx, az, "disk", "grant-access",
		"--resource-group", group,
		"--name", disk,
		"--duration", sasDurationSeconds,
		"--query", "accessSas",
	)
	if err != nil {
		return err
	}
	url := strings.Trim(strings.TrimSpace(string(out)), `"`)
	if url == "" {
		return errors.New("disk export returned an empty access URL")
	}

	downloader := a.HTTP
	if downloader == nil {
		downloader = &HTTP{Logger: logger}
	}
	logger.Info("downloading disk, may take a while...", "path", dest)
	if _, err := downloader.Download(ctx, url, dest); err != nil {
		return err
	}
	return nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
