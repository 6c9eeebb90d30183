package customize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/cvmtools/internal/runner"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// Step changes the mounted root filesystem of an image.
type Step interface {
	Name() string
	Apply(ctx context.Context, root string, r runner.Runner) error
}

// MaskService disables a systemd unit inside the image with
// `chroot ROOT systemctl mask UNIT`.
type MaskService struct {
	Unit string
}

func (s MaskService) Name() string {
	return "mask-" + s.Unit
}

func (s MaskService) Apply(ctx context.Context, root string, r runner.Runner) error {
	if strings.TrimSpace(s.Unit) == "" {
		return fmt.Errorf("service name is required")
	}
	return runner.Chroot(ctx, r, root, "systemctl", "mask", s.Unit)
}

// WriteFile writes Content to Path, relative to the image root.
type WriteFile struct {
	Path    string
	Content []byte
	Mode    os.FileMode
}

func (w WriteFile) Name() string {
	return "write-" + filepath.Base(w.Path)
}

// Apply resolves Path inside root, following symlinks in the image as if
// root were "/", so a link such as etc/cloud -> /etc never reaches the host.
func (w WriteFile) Apply(ctx context.Context, root string, r runner.Runner) error {
	target, err := safeJoin(root, strings.TrimPrefix(w.Path, "/"))
	if err != nil {
		return err
	}
	mode := w.Mode
	if mode == 0 {
		mode = 0o644
	}
	return runner.InstallFile(ctx, r, target, w.Content, mode)
}

const DatasourceOverridePath = "etc/cloud/cloud.cfg.d/90_dpkg.cfg"

var DefaultDatasources = []string{"NoCloud", "Azure"}

// DatasourceOverride restricts cloud-init datasource discovery to the given
// list, in order.
func DatasourceOverride(datasources []string) WriteFile {
	if len(datasources) == 0 {
		datasources = DefaultDatasources
	}
	return WriteFile{
		Path:    DatasourceOverridePath,
		Content: []byte("datasource_list: [ " + strings.Join(datasources, ", ") + " ]\n"),
		Mode:    0o644,
	}
}

// DefaultSteps masks each service and then writes the datasource override.
func DefaultSteps(services, datasources []string) []Step {
	if services == nil {
		services = []string{"walinuxagent"}
	}
	steps := make([]Step, 0, len(services)+1)
	for _, service := range services {
		steps = append(steps, MaskService{Unit: service})
	}
	return append(steps, DatasourceOverride(datasources))
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." {
		return "", fmt.Errorf("refusing to write image root itself")
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("refusing unsafe image path %q", name)
	}
	joined, err := securejoin.SecureJoin(root, clean)
	if err != nil {
		return "", fmt.Errorf("resolve %q inside image: %w", name, err)
	}
	if !strings.HasPrefix(joined, filepath.Clean(root)+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing image path outside root %q", name)
	}
	return joined, nil
}
