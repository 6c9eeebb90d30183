// Package seed builds the NoCloud cloud-init seed disk attached to a VM.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const (
	UserDataFile = "user_data.yaml"
	ImageFile    = "seed.img"
	header       = "#cloud-config\n"
)

type UserData struct {
	Hostname          string   `yaml:"hostname,omitempty"`
	SSHImportID       []string `yaml:"ssh_import_id,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	Packages          []string `yaml:"packages,omitempty"`
	RunCmd            []string `yaml:"runcmd,omitempty"`
}

// Render returns the user-data document including its #cloud-config header.
func (u UserData) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(u); err != nil {
		return nil, fmt.Errorf("encode user-data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type Builder struct {
	Dir    string
	Binary string
	Runner runner.Runner
	Logger *log.Logger
}

// Build writes the user-data file into Dir and packages it into Dir/seed.img.
func (b Builder) Build(ctx context.Context, data UserData) (string, error) {
	dir := b.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	binary := b.Binary
	if binary == "" {
		binary = "cloud-localds"
	}
	r := b.Runner
	if r == nil {
		r = &runner.Exec{}
	}
	logger := b.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	rendered, err := data.Render()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create seed directory: %w", err)
	}
	userData := filepath.Join(dir, UserDataFile)
	if err := os.WriteFile(userData, rendered, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", UserDataFile, err)
	}

	image := filepath.Join(dir, ImageFile)
	if err := r.Run(ctx, binary, image, userData); err != nil {
		return "", fmt.Errorf("create cloud-init drive: %w", err)
	}
	logger.Debug("seed image built", "path", image)
	return image, nil
}
