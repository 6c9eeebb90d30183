package fetch

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// DiskDir is where container-disk images keep the disk file.
const DiskDir = "disk"

// OCI pulls a container-disk image and extracts the disk file stored under
// disk/ in its filesystem.
type OCI struct {
	Options []remote.Option
	Logger  *log.Logger
}

func (o *OCI) Fetch(ctx context.Context, ref, dest string, force bool) error {
	logger := o.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	fail := func(err error) error {
		return &FetchError{Source: "oci", Identifier: ref, Destination: dest, Err: err}
	}
	skip, err := Skip(dest, force)
	if err != nil {
		return fail(err)
	}
	if skip {
		logger.Info("image already present, skipping download", "path", dest)
		return nil
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return fail(fmt.Errorf("parse image reference: %w", err))
	}
	opts := append([]remote.Option{remote.WithContext(ctx)}, o.Options...)
	img, err := remote.Image(parsed, opts...)
	if err != nil {
		return fail(fmt.Errorf("pull OCI image: %w", err))
	}

	rc := mutate.Extract(img)
	defer rc.Close()

	entry, n, err := extractDisk(rc, dest)
	if err != nil {
		return fail(err)
	}
	logger.Info("image extracted", "entry", entry, "path", dest, "size", humanize.Bytes(uint64(n)))
	return nil
}

var errNoDisk = errors.New("image has no regular file under " + DiskDir + "/")

func extractDisk(stream io.Reader, dest string) (string, int64, error) {
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", 0, errNoDisk
		}
		if err != nil {
			return "", 0, fmt.Errorf("read image filesystem: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		clean := strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")
		if !strings.HasPrefix(clean, DiskDir+"/") {
			continue
		}
		n, err := writeAtomically(dest, tr)
		return clean, n, err
	}
}
