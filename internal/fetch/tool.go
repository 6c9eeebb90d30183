package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/charmbracelet/log"
)

// Tool delegates the transfer to an object-store command line tool, then
// unpacks archives with tar.
type Tool struct {
	Runner runner.Runner
	// Binary and Args form the transfer command; the identifier and target
	// path are appended. Defaults to `azcopy copy`.
	Binary string
	Args   []string
	Tar    string
	Logger *log.Logger
}

var archiveSuffixes = []string{".tar", ".tar.gz", ".tgz", ".tar.xz", ".tar.zst"}

func isArchive(identifier string) bool {
	base := strings.ToLower(path.Base(stripQuery(identifier)))
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

func stripQuery(identifier string) string {
	if i := strings.IndexByte(identifier, '?'); i >= 0 {
		return identifier[:i]
	}
	return identifier
}

func (t *Tool) Fetch(ctx context.Context, identifier, dest string, force bool) error {
	fail := func(err error) error {
		return &FetchError{Source: "tool", Identifier: redactURL(identifier), Destination: dest, Err: err}
	}
	logger := t.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	skip, err := Skip(dest, force)
	if err != nil {
		return fail(err)
	}
	if skip {
		logger.Info("image already present, skipping download", "path", dest)
		return nil
	}

	r := t.Runner
	if r == nil {
		r = &runner.Exec{}
	}
	binary, args := t.Binary, t.Args
	if binary == "" {
		binary = "azcopy"
		if len(args) == 0 {
			args = []string{"copy"}
		}
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}

	if !isArchive(identifier) {
		if err := r.Run(ctx, binary, append(append([]string(nil), args...), identifier, dest)...); err != nil {
			return fail(err)
		}
		return nil
	}

	archive := filepath.Join(dir, path.Base(stripQuery(identifier)))
	if err := r.Run(ctx, binary, append(append([]string(nil), args...), identifier, archive)...); err != nil {
		return fail(err)
	}
	defer func() {
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove downloaded archive", "path", archive, "error", err)
		}
	}()

	tar := t.Tar
	if tar == "" {
		tar = "tar"
	}
	if err := r.Run(ctx, tar, "-xf", archive, "-C", dir); err != nil {
		return fail(err)
	}
	if _, err := os.Stat(dest); err != nil {
		return fail(fmt.Errorf("archive %s did not contain %s: %w", filepath.Base(archive), filepath.Base(dest), err))
	}
	logger.Info("image extracted", "archive", archive, "path", dest)
	return nil
}
