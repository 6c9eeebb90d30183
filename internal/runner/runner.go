// Package runner executes external programs and reports failures uniformly.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Runner executes an external program synchronously. A nonzero exit is
// reported as *ExternalCommandError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExternalCommandError struct {
	Program  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExternalCommandError) Error() string {
	command := strings.TrimSpace(e.Program + " " + strings.Join(e.Args, " "))
	stderr := strings.TrimSpace(e.Stderr)
	if e.ExitCode < 0 {
		return fmt.Sprintf("run %s: %v", command, e.Err)
	}
	if stderr == "" {
		return fmt.Sprintf("%s exited with code %d", command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", command, e.ExitCode, stderr)
}

func (e *ExternalCommandError) Unwrap() error {
	return e.Err
}

// Exec runs programs on the host with os/exec.
type Exec struct {
	// Privileged wraps every invocation in `sudo -n`.
	Privileged bool
	Logger     *log.Logger
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) error {
	_, err := e.run(ctx, name, args, io.Discard)
	return err
}

func (e *Exec) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	_, err := e.run(ctx, name, args, &stdout)
	if err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

func (e *Exec) run(ctx context.Context, name string, args []string, stdout io.Writer) (time.Duration, error) {
	program, argv := name, args
	if e != nil && e.Privileged {
		program = "sudo"
		argv = append([]string{"-n", name}, args...)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, program, argv...)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	if logger := e.logger(); logger != nil {
		logger.Debug("external command finished",
			"program", name,
			"args", strings.Join(args, " "),
			"duration", elapsed.Round(time.Millisecond),
			"error", err,
		)
	}
	if err == nil {
		return elapsed, nil
	}

	cmdErr := &ExternalCommandError{
		Program:  name,
		Args:     append([]string(nil), args...),
		ExitCode: -1,
		Stderr:   stderr.String(),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return elapsed, cmdErr
}

func (e *Exec) logger() *log.Logger {
	if e == nil {
		return nil
	}
	return e.Logger
}

// Chroot runs name inside root via chroot(8).
func Chroot(ctx context.Context, r Runner, root, name string, args ...string) error {
	if strings.TrimSpace(root) == "" {
		return errors.New("chroot root is required")
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("chroot command is required")
	}
	return r.Run(ctx, "chroot", append([]string{root, name}, args...)...)
}
