package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/edvin/argonode/internal/config"
	"github.com/edvin/argonode/internal/fetch"
	"github.com/edvin/argonode/internal/lifecycle"
	"github.com/edvin/argonode/internal/lock"
	"github.com/edvin/argonode/internal/logging"
	"github.com/edvin/argonode/internal/platform"
	"github.com/edvin/argonode/internal/registry"
	"github.com/edvin/argonode/internal/store"
	"github.com/edvin/argonode/internal/supervisor"
	"github.com/edvin/argonode/internal/tunnel"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitSpawn    = 3
	exitHostname = 4
	exitLocked   = 5
)

const usage = `Usage: argonode [flags] [install|status|update|del|uninstall|cat]

Actions:
  install    start the proxy and tunnel and print the node list (default)
  status     report whether each process is running
  update     re-download the binaries and restart both processes
  del        stop everything and remove the install directory (alias: uninstall)
  cat        print the node list

Flags:
`

// options are the parsed command line. Pointer fields are nil unless the
// flag was given explicitly.
type options struct {
	action  string
	flags   store.Overrides
	envFile string
	verbose bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) (code int) {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	logOut, closeLog := openDebugLog(cfg, opts.action, stderr)
	defer closeLog()

	var console io.Writer
	if opts.verbose {
		console = stderr
	}
	logger := logging.NewLogger(cfg, logOut, console).With().Str("action", opts.action).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("unexpected failure")
			fmt.Fprintf(stderr, "Error: unexpected failure: %v (details in %s)\n", r, cfg.DebugLogFile)
			code = exitFailure
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := newController(cfg, logger, opts.envFile)
	if err != nil {
		logger.Error().Err(err).Msg("setup failed")
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	if err := dispatch(ctx, ctrl, opts, stdout); err != nil {
		logger.Error().Err(err).Msg("action failed")
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("argonode", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	domain := fs.StringP("domain", "d", "", "fixed tunnel domain (disables the ephemeral hostname)")
	uuid := fs.StringP("uuid", "u", "", "client secret-id")
	port := fs.IntP("port", "p", 0, "local proxy port (0 picks a free one)")
	token := fs.String("token", "", "named tunnel token (requires --domain)")
	fs.String("agk", "", "alias for --token")
	_ = fs.MarkHidden("agk")
	user := fs.StringP("user", "U", "", "identity label used in link names")
	envFile := fs.String("env-file", "", "read overrides from a dotenv file")
	verbose := fs.BoolP("verbose", "v", false, "also log to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &options{action: "install", envFile: *envFile, verbose: *verbose}
	switch fs.NArg() {
	case 0:
	case 1:
		opts.action = fs.Arg(0)
	default:
		fs.Usage()
		return nil, fmt.Errorf("expected at most one action, got %d", fs.NArg())
	}

	switch opts.action {
	case "install", "status", "update", "del", "uninstall", "cat":
	default:
		fs.Usage()
		return nil, fmt.Errorf("unknown action %q", opts.action)
	}

	if fs.Changed("domain") {
		opts.flags.Domain = domain
	}
	if fs.Changed("uuid") {
		opts.flags.UUID = uuid
	}
	if fs.Changed("port") {
		if *port < 0 || *port > 65535 {
			return nil, fmt.Errorf("invalid --port %d: must be 0-65535", *port)
		}
		opts.flags.Port = port
	}
	if fs.Changed("user") {
		opts.flags.User = user
	}
	switch {
	case fs.Changed("token"):
		opts.flags.Token = token
	case fs.Changed("agk"):
		v, _ := fs.GetString("agk")
		opts.flags.Token = &v
	}

	return opts, nil
}

// openDebugLog returns the diagnostic log writer. Read-only actions on a
// missing install do not create the install directory just to log.
func openDebugLog(cfg *config.Config, action string, stderr io.Writer) (io.Writer, func()) {
	if action == "status" || action == "cat" {
		if _, err := os.Stat(cfg.HomeDir); err != nil {
			return io.Discard, func() {}
		}
	}
	f, err := logging.OpenDebugLog(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
		return io.Discard, func() {}
	}
	return f, func() { f.Close() }
}

func newController(cfg *config.Config, logger zerolog.Logger, envFile string) (*lifecycle.Controller, error) {
	env, err := store.EnvLookup(envFile)
	if err != nil {
		return nil, err
	}

	fetcher, err := fetch.NewHTTPFetcher(logger, cfg)
	if err != nil {
		return nil, err
	}

	table := registry.SystemTable{}
	reg := registry.New(logger, map[registry.Role]registry.Entry{
		registry.RoleProxy:  {Path: cfg.ProxyPIDFile, Marker: filepath.Base(cfg.ProxyBinary)},
		registry.RoleTunnel: {Path: cfg.TunnelPIDFile, Marker: filepath.Base(cfg.TunnelBinary)},
	}, table)

	return lifecycle.New(cfg, logger, lifecycle.Deps{
		Launcher: supervisor.NewDirectLauncher(logger, table),
		Registry: reg,
		Resolver: tunnel.NewExtractor(logger),
		Fetcher:  fetcher,
		Generators: store.Generators{
			NewID:    platform.NewID,
			FreePort: platform.FreePort,
		},
		Env: env,
	}), nil
}

func dispatch(ctx context.Context, ctrl *lifecycle.Controller, opts *options, out io.Writer) error {
	switch opts.action {
	case "install":
		report, err := ctrl.Install(ctx, opts.flags)
		printReport(out, report)
		return err
	case "update":
		report, err := ctrl.Update(ctx, opts.flags)
		printReport(out, report)
		return err
	case "status":
		status, err := ctrl.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, status)
		return nil
	case "del", "uninstall":
		if err := ctrl.Uninstall(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Uninstalled.")
		return nil
	case "cat":
		list, err := ctrl.Cat(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(out, list)
		return nil
	}
	return fmt.Errorf("unknown action %q", opts.action)
}

func printReport(out io.Writer, report *lifecycle.Report) {
	if report == nil {
		return
	}
	for _, r := range report.Roles {
		state := "already running"
		if r.Started {
			state = "started"
		}
		fmt.Fprintf(out, "%-8s %s (pid %d)\n", r.Role, state, r.PID)
	}
	if report.Host != "" {
		fmt.Fprintf(out, "Host:    %s\n", report.Host)
	}
	for _, link := range report.Links {
		fmt.Fprintln(out, link)
	}
}

func printStatus(out io.Writer, status *lifecycle.StatusReport) {
	if !status.Installed {
		fmt.Fprintln(out, "Not installed.")
	}
	for _, r := range status.Roles {
		if r.Running {
			fmt.Fprintf(out, "%-8s running (pid %d)\n", r.Role, r.PID)
		} else {
			fmt.Fprintf(out, "%-8s not running\n", r.Role)
		}
	}
	if status.Host != "" {
		fmt.Fprintf(out, "Host:    %s\n", status.Host)
	}
	if status.List != "" {
		fmt.Fprint(out, status.List)
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, lock.ErrLocked):
		return exitLocked
	case errors.Is(err, lifecycle.ErrInvalidConfig):
		return exitUsage
	case errors.Is(err, supervisor.ErrSpawnFailed):
		return exitSpawn
	case errors.Is(err, tunnel.ErrHostnameTimeout):
		return exitHostname
	default:
		return exitFailure
	}
}
