package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/buildkite/cvmtools/internal/fetch"
	"github.com/buildkite/cvmtools/internal/hosttools"
	"github.com/buildkite/cvmtools/internal/imagestore"
	"github.com/buildkite/cvmtools/internal/nbd"
	"github.com/buildkite/cvmtools/internal/paths"
	"github.com/buildkite/cvmtools/internal/retry"
	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/buildkite/cvmtools/internal/runtimeconfig"
	"github.com/buildkite/cvmtools/internal/vm"
	"github.com/buildkite/cvmtools/internal/vtpm"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	CWD        string
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Logger     *log.Logger

	// The fields below replace host facilities in tests; nil selects the
	// real implementation.
	Context  context.Context
	Runner   runner.Runner
	Tools    *hosttools.Resolver
	Fetchers fetch.Registry
	Store    *imagestore.Store
	Alive    func(pid int) bool
	Sleep    func(context.Context, time.Duration) error
	Monitor  func(socket string) (vm.Monitor, error)
}

type CLI struct {
	LogLevel string           `help:"Log level (debug|info|warn|error)" default:"info"`
	Version  kong.VersionFlag `help:"Print version and exit"`

	Image  ImageCommand  `cmd:"" help:"Download and customize disk images"`
	TPM    TPMCommand    `cmd:"" name:"tpm" help:"Manage the software vTPM"`
	VM     VMCommand     `cmd:"" name:"vm" help:"Launch and control the confidential VM"`
	Doctor DoctorCommand `cmd:"" help:"Check host prerequisites"`
	Config ConfigCommand `cmd:"" help:"Runtime configuration commands"`
}

type exitCodeError struct {
	code int
	msg  string
}

func (e exitCodeError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func newParser(c *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		c,
		kong.Name("cvm-tools"),
		kong.Description("Prepare and run confidential VM images with a software vTPM"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cli.LogLevel, "cvm-tools")
	if err != nil {
		return err
	}
	applyPolishedLoggerStyles(logger, shouldUseANSI(os.Stderr))

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return kctx.Run(&runtimeContext{
		CWD:        cwd,
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     logger,
		Context:    ctx,
	})
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (r *runtimeContext) ctx() context.Context {
	if r.Context != nil {
		return r.Context
	}
	return context.Background()
}

func (r *runtimeContext) config() runtimeconfig.Config {
	return r.Config.WithDefaults()
}

func (r *runtimeContext) logger(component string) *log.Logger {
	if r.Logger == nil {
		return log.New(io.Discard)
	}
	return r.Logger.WithPrefix(component)
}

// hostRunner runs host commands, under sudo when privileged_mode asks for it.
func (r *runtimeContext) hostRunner(component string) runner.Runner {
	if r.Runner != nil {
		return r.Runner
	}
	return &runner.Exec{
		Privileged: r.config().PrivilegedMode == "sudo",
		Logger:     r.logger(component),
	}
}

// userRunner never escalates; cloud CLIs must use the invoking user's login.
func (r *runtimeContext) userRunner(component string) runner.Runner {
	if r.Runner != nil {
		return r.Runner
	}
	return &runner.Exec{Logger: r.logger(component)}
}

func (r *runtimeContext) require(binaries ...string) error {
	tools := hosttools.Default
	if r.Tools != nil {
		tools = *r.Tools
	}
	return tools.Require(binaries...)
}

func (r *runtimeContext) poll() retry.Policy {
	cfg := r.config()
	p := retry.Policy{Attempts: cfg.Poll.Attempts, Interval: cfg.Poll.Interval()}
	if r.Sleep != nil {
		p = p.WithSleep(r.Sleep)
	}
	return p
}

func (r *runtimeContext) store() (*imagestore.Store, error) {
	if r.Store != nil {
		return r.Store, nil
	}
	s, err := imagestore.New(imagestore.Options{})
	if err != nil {
		return nil, err
	}
	r.Store = s
	return s, nil
}

func (r *runtimeContext) supervisor() *vtpm.Supervisor {
	cfg := r.config()
	return vtpm.New(vtpm.Config{
		StateDir: cfg.TPM.StateDir,
		Socket:   cfg.TPM.Socket,
		PIDFile:  cfg.TPM.PIDFile,
		Runner:   r.hostRunner("vtpm"),
		Logger:   r.logger("vtpm"),
		Poll:     r.poll(),
		Alive:    r.Alive,
	})
}

func (r *runtimeContext) vmManager() *vm.Manager {
	cfg := r.config()
	return vm.New(vm.Config{
		Binary:               cfg.VM.Binary,
		PIDFile:              cfg.VM.PIDFile,
		QMPSocket:            cfg.VM.QMPSocket,
		FirmwareCode:         cfg.VM.FirmwareCode,
		FirmwareVarsTemplate: cfg.VM.FirmwareVarsTemplate,
		RunDir:               r.vmRunDir(cfg),
		MemoryMiB:            cfg.VM.MemoryMiB,
		CPU:                  cfg.VM.CPU,
		Machine:              cfg.VM.Machine,
		SSHHostPort:          cfg.VM.SSHHostPort,
		Runner:               r.hostRunner("vm"),
		Logger:               r.logger("vm"),
		Alive:                r.Alive,
		DialMonitor:          r.Monitor,
		Poll:                 r.poll(),
		ShutdownPoll:         r.shutdownPoll(cfg),
	})
}

// shutdownPoll spreads the configured shutdown timeout over half-second
// liveness checks.
func (r *runtimeContext) shutdownPoll(cfg runtimeconfig.Config) retry.Policy {
	interval := vm.ShutdownPolicy.Interval
	p := retry.Policy{Attempts: int(cfg.VM.ShutdownTimeout() / interval), Interval: interval}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if r.Sleep != nil {
		p = p.WithSleep(r.Sleep)
	}
	return p
}

func (r *runtimeContext) vmRunDir(cfg runtimeconfig.Config) string {
	if cfg.VM.RunDir != "" {
		return resolvePath(r.CWD, cfg.VM.RunDir)
	}
	dir, err := paths.VMRunDir()
	if err != nil {
		r.logger("vm").Warn("resolve VM run directory", "error", err)
		return ""
	}
	return dir
}

func (r *runtimeContext) nbdManager() *nbd.Manager {
	cfg := r.config()
	return nbd.New(nbd.Config{
		Device:          cfg.NBD.Device,
		PartitionSuffix: cfg.NBD.PartitionSuffix,
		Poll:            r.poll(),
		Runner:          r.hostRunner("nbd"),
		Logger:          r.logger("nbd"),
	})
}

func (r *runtimeContext) printf(format string, args ...any) error {
	_, err := fmt.Fprintf(r.Stdout, format+"\n", args...)
	return err
}

// resolvePath interprets a relative path against base.
func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
