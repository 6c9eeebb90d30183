package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/buildkite/cvmtools/internal/customize"
	"github.com/buildkite/cvmtools/internal/fetch"
	"github.com/buildkite/cvmtools/internal/hosttools"
	"github.com/buildkite/cvmtools/internal/imagestore"
	"github.com/buildkite/cvmtools/internal/nbd"
	"github.com/buildkite/cvmtools/internal/retry"
	"github.com/buildkite/cvmtools/internal/runtimeconfig"
	"github.com/dustin/go-humanize"
)

const defaultImage = "jammy.img"

type ImageCommand struct {
	Download  ImageDownloadCommand  `cmd:"" help:"Download a base disk image"`
	Customize ImageCustomizeCommand `cmd:"" help:"Prepare a disk image for local boot"`
	List      ImageListCommand      `cmd:"" help:"List catalogued images"`
	Rm        ImageRmCommand        `cmd:"" help:"Remove an image from the catalogue"`
}

type ImageDownloadCommand struct {
	Suite  string `help:"Ubuntu suite to download (defaults to runtime config or jammy)"`
	Source string `help:"Image source (azure|http|s3|oci|tool)"`
	URL    string `name:"url" help:"Image identifier for non-azure sources (URL, s3:// URI or image reference)"`
	SHA256 string `name:"sha256" help:"Expected SHA-256 of an http download"`
	Output string `short:"o" help:"Destination file (default SUITE.img)"`
	Force  bool   `help:"Download even if the destination already exists"`
}

type ImageCustomizeCommand struct {
	Image  string `arg:"" optional:"" help:"Disk image to customize (default jammy.img)"`
	Format string `help:"Image format (raw|vpc|qcow2); detected from the file name when empty"`
}

type ImageListCommand struct {
	JSON bool `help:"Print the catalogue as JSON"`
}

type ImageRmCommand struct {
	Path     string `arg:"" help:"Image path"`
	KeepFile bool   `help:"Only forget the image; leave the file on disk"`
}

func (c *ImageDownloadCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.config()
	source := strings.ToLower(strings.TrimSpace(c.Source))
	if source == "" {
		source = cfg.Image.Source
	}
	suite := strings.TrimSpace(c.Suite)
	if suite == "" {
		suite = cfg.Image.Suite
	}

	identifier, err := downloadIdentifier(source, suite, c.URL, cfg)
	if err != nil {
		return err
	}
	output := c.Output
	if output == "" {
		output = suite + ".img"
	}
	dest := resolvePath(ctx.CWD, output)

	switch source {
	case "azure":
		if err := ctx.require(hosttools.DownloadAzure...); err != nil {
			return err
		}
	case "tool":
		if err := ctx.require(cfg.Image.Tool.Binary, "tar"); err != nil {
			return err
		}
	}

	fetchers := ctx.Fetchers
	if fetchers == nil {
		fetchers = ctx.newFetchers(cfg, c.SHA256)
	}
	fetcher, err := fetchers.Lookup(source)
	if err != nil {
		return err
	}

	skip, err := fetch.Skip(dest, c.Force)
	if err != nil {
		return err
	}
	if skip {
		return ctx.printf("image already exists: %s (use --force to download again)", dest)
	}

	if err := ctx.printf("Downloading image file from %s: %s", source, dest); err != nil {
		return err
	}
	if source == "azure" {
		ctx.logger("image").Info("downloading disk, may take a while...")
	}
	if err := fetcher.Fetch(ctx.ctx(), identifier, dest, c.Force); err != nil {
		return err
	}

	rec, err := ctx.recordFetch(imagestore.Record{
		Path:       dest,
		Source:     source,
		Identifier: catalogueIdentifier(identifier),
		Suite:      suite,
		Format:     string(nbd.DetectFormat(dest)),
	})
	if err != nil {
		ctx.logger("image").Warn("image downloaded but not catalogued", "path", dest, "error", err)
		return nil
	}
	return ctx.printf("downloaded %s (%s)", rec.Path, humanize.Bytes(uint64(rec.SizeBytes)))
}

func downloadIdentifier(source, suite, flagURL string, cfg runtimeconfig.Config) (string, error) {
	if source == "azure" {
		return suite, nil
	}
	identifier := strings.TrimSpace(flagURL)
	if identifier == "" && source == "http" {
		identifier = cfg.Image.HTTP.URL
	}
	if identifier == "" {
		return "", fmt.Errorf("--url is required for image source %q", source)
	}
	return identifier, nil
}

// catalogueIdentifier drops query strings, which may carry credentials.
func catalogueIdentifier(identifier string) string {
	if i := strings.IndexByte(identifier, '?'); i >= 0 {
		return identifier[:i]
	}
	return identifier
}

func (r *runtimeContext) newFetchers(cfg runtimeconfig.Config, sha256 string) fetch.Registry {
	if sha256 == "" {
		sha256 = cfg.Image.HTTP.SHA256
	}
	download := retry.Policy{Attempts: cfg.Image.Download.Attempts}
	if r.Sleep != nil {
		download = download.WithSleep(r.Sleep)
	}
	httpFetcher := &fetch.HTTP{
		MaxBytes: cfg.Image.Download.MaxBytes,
		Policy:   download,
		SHA256:   sha256,
		Logger:   r.logger("fetch"),
	}
	registry := fetch.Registry{
		"http": httpFetcher,
		"azure": &fetch.Azure{
			Runner: r.userRunner("azure"),
			// SAS downloads are not covered by a published digest.
			HTTP:          &fetch.HTTP{MaxBytes: cfg.Image.Download.MaxBytes, Policy: download, Logger: r.logger("fetch")},
			Location:      cfg.Image.Azure.Location,
			ResourceGroup: cfg.Image.Azure.ResourceGroup,
			DiskName:      cfg.Image.Azure.DiskName,
			Logger:        r.logger("azure"),
		},
		"oci": &fetch.OCI{Logger: r.logger("oci")},
		"tool": &fetch.Tool{
			Runner: r.userRunner("tool"),
			Binary: cfg.Image.Tool.Binary,
			Args:   cfg.Image.Tool.Args,
			Logger: r.logger("tool"),
		},
	}
	s3, err := fetch.NewS3(fetch.S3Options{
		Region:    cfg.Image.S3.Region,
		Endpoint:  cfg.Image.S3.Endpoint,
		AccessKey: cfg.Image.S3.AccessKey,
		SecretKey: cfg.Image.S3.SecretKey,
		PathStyle: cfg.Image.S3.PathStyle,
	}, r.logger("s3"))
	if err != nil {
		r.logger("fetch").Warn("s3 source unavailable", "error", err)
	} else {
		registry["s3"] = s3
	}
	return registry
}

func (r *runtimeContext) recordFetch(rec imagestore.Record) (imagestore.Record, error) {
	store, err := r.store()
	if err != nil {
		return imagestore.Record{}, err
	}
	return store.RecordFetch(r.ctx(), rec)
}

func (c *ImageCustomizeCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.config()
	if err := ctx.require(hosttools.Customize...); err != nil {
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

	steps := customize.DefaultSteps(cfg.Customize.MaskServices, cfg.Customize.Datasources)
	for _, file := range cfg.Customize.Files {
		steps = append(steps, customize.WriteFile{
			Path:    file.Path,
			Content: []byte(file.Content),
			Mode:    os.FileMode(file.Mode),
		})
	}

	if err := ctx.printf("Customizing image: %s", image); err != nil {
		return err
	}
	pipeline := customize.New(customize.Config{
		Devices: ctx.nbdManager(),
		Runner:  ctx.hostRunner("customize"),
		Steps:   steps,
		Logger:  ctx.logger("customize"),
	})
	if err := pipeline.Run(ctx.ctx(), image, format); err != nil {
		return err
	}

	store, err := ctx.store()
	if err == nil {
		_, err = store.MarkCustomized(ctx.ctx(), image, string(format))
	}
	if err != nil {
		ctx.logger("image").Warn("image customized but not catalogued", "path", image, "error", err)
	}
	return ctx.printf("customized %s", image)
}

func (c *ImageListCommand) Run(ctx *runtimeContext) error {
	store, err := ctx.store()
	if err != nil {
		return err
	}
	items, err := store.List(ctx.ctx())
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"images": items})
	}

	if len(items) == 0 {
		return ctx.printf("no images catalogued")
	}
	for _, item := range items {
		state := "not customized"
		if item.Customized() {
			state = "customized " + humanize.Time(item.CustomizedAt)
		}
		if _, statErr := os.Stat(item.Path); errors.Is(statErr, os.ErrNotExist) {
			state += ", file missing"
		}
		err := ctx.printf("- %s (%s, %s, %s, fetched %s, %s)",
			item.Path,
			item.Source,
			valueOrDash(item.Format),
			humanize.Bytes(uint64(item.SizeBytes)),
			item.FetchedAt.Format(time.RFC3339),
			state,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *ImageRmCommand) Run(ctx *runtimeContext) error {
	store, err := ctx.store()
	if err != nil {
		return err
	}
	rec, err := store.Remove(ctx.ctx(), resolvePath(ctx.CWD, c.Path), !c.KeepFile)
	if err != nil {
		return err
	}
	if c.KeepFile {
		return ctx.printf("forgot %s (file kept)", rec.Path)
	}
	return ctx.printf("removed %s", rec.Path)
}

func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
