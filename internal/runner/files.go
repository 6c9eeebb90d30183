package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Escalated reports whether r runs programs with more privilege than this
// process. Files those programs create (pid files, mounted filesystems) can
// then only be changed through r.
func Escalated(r Runner) bool {
	e, ok := r.(interface{ Escalated() bool })
	return ok && e.Escalated()
}

func (e *Exec) Escalated() bool {
	return e != nil && e.Privileged
}

// RemoveFile deletes path; a missing file is not an error.
func RemoveFile(ctx context.Context, r Runner, path string) error {
	if Escalated(r) {
		return r.Run(ctx, "rm", "-f", "--", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll deletes path and everything below it.
func RemoveAll(ctx context.Context, r Runner, path string) error {
	if Escalated(r) {
		return r.Run(ctx, "rm", "-rf", "--", path)
	}
	return os.RemoveAll(path)
}

// InstallFile writes content to dest, creating missing parent directories.
// Under an escalated runner the content is staged in a private temp file
// and copied into place with install(1).
func InstallFile(ctx context.Context, r Runner, dest string, content []byte, mode os.FileMode) error {
	if !Escalated(r) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create parent directory for %s: %w", dest, err)
		}
		if err := os.WriteFile(dest, content, mode); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
		return nil
	}

	staged, err := os.CreateTemp("", "cvm-tools-install-")
	if err != nil {
		return fmt.Errorf("stage %s: %w", dest, err)
	}
	defer os.Remove(staged.Name())
	if _, err := staged.Write(content); err != nil {
		_ = staged.Close()
		return fmt.Errorf("stage %s: %w", dest, err)
	}
	if err := staged.Close(); err != nil {
		return fmt.Errorf("stage %s: %w", dest, err)
	}
	return r.Run(ctx, "install", "-D", "-m", strconv.FormatUint(uint64(mode.Perm()), 8), staged.Name(), dest)
}
