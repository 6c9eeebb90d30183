// Package hosttools locates the host programs each command depends on.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sbinDirs are searched after PATH; unprivileged shells often omit them
// although modprobe and friends live there.
var sbinDirs = []string{"/usr/local/sbin", "/usr/sbin", "/sbin"}

type Resolver struct {
	LookPath func(string) (string, error)
	Stat     func(string) (os.FileInfo, error)
	Dirs     []string
}

var Default = Resolver{LookPath: exec.LookPath, Stat: os.Stat, Dirs: sbinDirs}

func Resolve(binary string) (string, error) {
	return Default.Resolve(binary)
}

func Require(binaries ...string) error {
	return Default.Require(binaries...)
}

// Resolve returns the path of binary from PATH or the extra directories.
func (r Resolver) Resolve(binary string) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", errors.New("binary name is required")
	}
	if path, err := r.LookPath(trimmed); err == nil {
		return path, nil
	}
	if strings.ContainsRune(trimmed, filepath.Separator) {
		return "", fmt.Errorf("%s not installed", trimmed)
	}
	for _, candidate := range candidatePaths(trimmed, r.Dirs) {
		info, err := r.Stat(candidate)
		if err != nil || info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%s not installed", trimmed)
}

// Require reports every missing binary in a single error.
func (r Resolver) Require(binaries ...string) error {
	var errs []error
	seen := map[string]struct{}{}
	for _, binary := range binaries {
		if _, ok := seen[binary]; ok {
			continue
		}
		seen[binary] = struct{}{}
		if _, err := r.Resolve(binary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func candidatePaths(binary string, dirs []string) []string {
	out := make([]string, 0, len(dirs))
	seen := map[string]struct{}{}
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, binary)
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

// Per-command host requirements.
var (
	DownloadAzure = []string{"az"}
	DownloadTool  = []string{"azcopy", "tar"}
	Customize     = []string{"qemu-nbd", "modprobe", "mount", "umount", "chroot"}
	TPMStart      = []string{"swtpm"}
	TPMSetup      = []string{"swtpm", "tpm2_createprimary", "tpm2_readpublic"}
	VMStart       = []string{"qemu-system-x86_64", "cloud-localds"}
)

// All lists every program any command may run, in a stable order.
func All() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, group := range [][]string{Customize, TPMSetup, VMStart, DownloadAzure, DownloadTool} {
		for _, binary := range group {
			if _, ok := seen[binary]; ok {
				continue
			}
			seen[binary] = struct{}{}
			out = append(out, binary)
		}
	}
	return out
}
