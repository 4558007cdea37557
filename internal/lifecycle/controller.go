// Package lifecycle reconciles what the operator asked for with what is
// actually running: it installs, reports on, updates and removes the proxy
// and tunnel processes and keeps the node list in step with them.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/argonode/internal/config"
	"github.com/edvin/argonode/internal/fetch"
	"github.com/edvin/argonode/internal/fileutil"
	"github.com/edvin/argonode/internal/lock"
	"github.com/edvin/argonode/internal/metrics"
	"github.com/edvin/argonode/internal/node"
	"github.com/edvin/argonode/internal/proxy"
	"github.com/edvin/argonode/internal/registry"
	"github.com/edvin/argonode/internal/store"
	"github.com/edvin/argonode/internal/supervisor"
	"github.com/edvin/argonode/internal/tunnel"
)

var (
	// ErrNotInstalled is returned by Cat when there is no node list.
	ErrNotInstalled = errors.New("not installed")
	// ErrInvalidConfig wraps configuration that fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// HostnameResolver recovers the public hostname of an ephemeral tunnel.
type HostnameResolver interface {
	Resolve(ctx context.Context, logPath string, timeout time.Duration) (string, error)
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Launcher   supervisor.Launcher
	Registry   *registry.Registry
	Resolver   HostnameResolver
	Fetcher    fetch.Fetcher
	Generators store.Generators
	// Env resolves environment overrides; os.LookupEnv in production.
	Env store.LookupFunc
}

type Controller struct {
	cfg      *config.Config
	logger   zerolog.Logger
	launcher supervisor.Launcher
	registry *registry.Registry
	resolver HostnameResolver
	fetcher  fetch.Fetcher
	gen      store.Generators
	env      store.LookupFunc
}

func New(cfg *config.Config, logger zerolog.Logger, deps Deps) *Controller {
	env := deps.Env
	if env == nil {
		env = os.LookupEnv
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		launcher: deps.Launcher,
		registry: deps.Registry,
		resolver: deps.Resolver,
		fetcher:  deps.Fetcher,
		gen:      deps.Generators,
		env:      env,
	}
}

// RoleReport is the outcome for one role.
type RoleReport struct {
	Role    registry.Role
	PID     int
	Running bool
	// Started is true when this invocation spawned the process.
	Started bool
}

// Report is the result of Install and Update.
type Report struct {
	Record store.Record
	Host   string
	Links  []string
	Roles  []RoleReport
}

// StatusReport is the result of Status.
type StatusReport struct {
	Installed bool
	Roles     []RoleReport
	// Host is the hostname the current node list points at, empty when
	// none was resolved.
	Host string
	// List is the persisted node list, empty when none was built.
	List string
}

// Install brings both roles to running and writes the node list. A running
// process is restarted only when the invocation it was started with differs
// from the one wanted now, so repeated installs with the same arguments spawn
// nothing.
func (c *Controller) Install(ctx context.Context, flags store.Overrides) (*Report, error) {
	l, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer l.Release()

	return c.install(ctx, flags, false)
}

// Update re-downloads the managed binaries and restarts both roles on them.
// Identity and secret-id are kept. The configuration is validated before
// anything is downloaded, and a failed download leaves the running services
// untouched.
func (c *Controller) Update(ctx context.Context, flags store.Overrides) (*Report, error) {
	l, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer l.Release()

	return c.install(ctx, flags, true)
}

func (c *Controller) acquire() (*lock.Lock, error) {
	if err := c.cfg.EnsureHome(); err != nil {
		return nil, err
	}
	return lock.Acquire(c.cfg.LockFile)
}

// resolve merges the persisted record with env and flag overrides, fills
// defaults and validates the result. Nothing is written.
func (c *Controller) resolve(flags store.Overrides) (persisted, rec store.Record, err error) {
	persisted, err = store.Load(c.cfg.ConfigFile)
	if err != nil {
		return persisted, rec, err
	}
	envOverrides, err := store.EnvOverrides(c.env)
	if err != nil {
		return persisted, rec, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	rec = store.Merge(persisted, envOverrides, flags)
	rec, _, err = store.EnsureDefaults(rec, c.gen)
	if err != nil {
		return persisted, rec, err
	}
	if err := store.Validate(rec); err != nil {
		return persisted, rec, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return persisted, rec, nil
}

func (c *Controller) install(ctx context.Context, flags store.Overrides, update bool) (*Report, error) {
	persisted, rec, err := c.resolve(flags)
	if err != nil {
		return nil, err
	}

	if update {
		if err := c.fetcher.Ensure(ctx, true); err != nil {
			return nil, fmt.Errorf("update binaries (running services untouched): %w", err)
		}
	}

	if rec != persisted {
		if err := store.Save(c.cfg.ConfigFile, rec); err != nil {
			return nil, err
		}
		c.logger.Info().
			Str("user", rec.User).
			Int("port", rec.Port).
			Bool("ephemeral", rec.Ephemeral()).
			Msg("configuration saved")
	}

	if err := c.fetcher.Ensure(ctx, false); err != nil {
		return nil, fmt.Errorf("install binaries: %w", err)
	}

	proxyConfig, err := c.writeProxyConfig(rec)
	if err != nil {
		return nil, err
	}

	report := &Report{Record: rec}

	proxySpec := supervisor.Spec{
		Role:    registry.RoleProxy,
		Binary:  c.cfg.ProxyBinary,
		Args:    proxy.Args(c.cfg.ProxyConfigFile),
		Dir:     c.cfg.HomeDir,
		LogPath: c.cfg.ProxyLogFile,
	}
	proxyReport, err := c.ensure(ctx, proxySpec, c.cfg.ProxyStateFile, fingerprint(proxySpec, proxyConfig), update)
	if err != nil {
		return nil, err
	}
	report.Roles = append(report.Roles, proxyReport)

	tunnelArgs, tunnelEnv := tunnel.Command(rec)
	tunnelSpec := supervisor.Spec{
		Role:    registry.RoleTunnel,
		Binary:  c.cfg.TunnelBinary,
		Args:    tunnelArgs,
		Env:     tunnelEnv,
		Dir:     c.cfg.HomeDir,
		LogPath: c.cfg.TunnelLogFile,
		// A fresh session must not match the previous session's hostname.
		TruncateLog: true,
	}
	tunnelReport, err := c.ensure(ctx, tunnelSpec, c.cfg.TunnelStateFile, fingerprint(tunnelSpec, nil), update)
	if err != nil {
		return nil, err
	}
	report.Roles = append(report.Roles, tunnelReport)

	host := rec.Domain
	if rec.Ephemeral() {
		host, err = c.resolver.Resolve(ctx, c.cfg.TunnelLogFile, c.cfg.HostnameTimeout)
		if err != nil {
			// The list would point at a hostname that no longer exists.
			c.dropList()
			c.writeMetrics(report.Roles, 0, rec.Ephemeral())
			return report, fmt.Errorf("services are running but the node list could not be built: %w", err)
		}
	}
	report.Host = host

	links, err := node.Build(rec, host)
	if err != nil {
		return report, err
	}
	if err := node.WriteList(c.cfg.ListFile, c.cfg.SubscriptionFile, links); err != nil {
		return report, err
	}
	if err := fileutil.WriteAtomic(c.cfg.HostFile, []byte(host+"\n"), 0o600); err != nil {
		return report, fmt.Errorf("write host file: %w", err)
	}
	report.Links = links

	c.writeMetrics(report.Roles, len(links), rec.Ephemeral())

	c.logger.Info().Str("host", host).Int("links", len(links)).Msg("node list written")
	return report, nil
}

// writeProxyConfig renders the proxy configuration, replaces the file on disk
// when it differs and returns the rendered bytes.
func (c *Controller) writeProxyConfig(rec store.Record) ([]byte, error) {
	data, err := proxy.Render(rec)
	if err != nil {
		return nil, err
	}
	current, err := os.ReadFile(c.cfg.ProxyConfigFile)
	if err == nil && bytes.Equal(current, data) {
		return data, nil
	}
	if err := fileutil.WriteAtomic(c.cfg.ProxyConfigFile, data, 0o600); err != nil {
		return nil, fmt.Errorf("write proxy config: %w", err)
	}
	return data, nil
}

// ensure makes sure spec's role is running with the invocation identified by
// fp. A live process started with a different invocation, or any live process
// when force is set, is restarted. stateFile records fp once the new process
// has settled.
func (c *Controller) ensure(ctx context.Context, spec supervisor.Spec, stateFile, fp string, force bool) (RoleReport, error) {
	pid, alive, err := c.registry.Alive(spec.Role)
	if err != nil {
		return RoleReport{}, err
	}

	initial := StateAbsent
	if alive {
		initial = StateRunning
	}
	rs := newRoleState(c.logger, spec.Role, initial)

	if alive {
		current := readFingerprint(stateFile)
		if !force && current == fp {
			rs.logger.Info().Int("pid", pid).Msg("already running")
			return RoleReport{Role: spec.Role, PID: pid, Running: true}, nil
		}
		if !force {
			rs.logger.Info().Int("pid", pid).Msg("invocation changed, restarting")
		}
		if err := c.stop(ctx, rs, pid); err != nil {
			return RoleReport{}, err
		}
	}

	if err := rs.to(StateStarting); err != nil {
		return RoleReport{}, err
	}

	p, err := c.launcher.Start(ctx, spec)
	if err != nil {
		rs.to(StateAbsent)
		return RoleReport{}, fmt.Errorf("start %s: %w", spec.Role, err)
	}

	if err := p.Settle(ctx, c.cfg.StartGrace); err != nil {
		rs.to(StateAbsent)
		if errors.Is(err, supervisor.ErrSpawnFailed) {
			if tail := supervisor.Tail(spec.LogPath, 5); tail != "" {
				return RoleReport{}, fmt.Errorf("start %s: %w (log: %s)", spec.Role, err, tail)
			}
		} else {
			c.launcher.Stop(context.Background(), p.PID, c.cfg.StopTimeout)
		}
		return RoleReport{}, fmt.Errorf("start %s: %w", spec.Role, err)
	}

	if err := c.registry.Record(spec.Role, p.PID); err != nil {
		// Without a marker the process could never be found again.
		c.launcher.Stop(context.Background(), p.PID, c.cfg.StopTimeout)
		rs.to(StateAbsent)
		return RoleReport{}, err
	}
	if err := writeFingerprint(stateFile, fp); err != nil {
		// A missing fingerprint only costs a restart on the next install.
		rs.logger.Warn().Err(err).Msg("could not record run state")
	}

	if err := rs.to(StateRunning); err != nil {
		return RoleReport{}, err
	}
	rs.logger.Info().Int("pid", p.PID).Msg("running")
	return RoleReport{Role: spec.Role, PID: p.PID, Running: true, Started: true}, nil
}

func (c *Controller) stop(ctx context.Context, rs *roleState, pid int) error {
	if err := rs.to(StateStopping); err != nil {
		return err
	}
	if err := c.launcher.Stop(ctx, pid, c.cfg.StopTimeout); err != nil {
		return fmt.Errorf("stop %s: %w", rs.role, err)
	}
	if err := c.registry.Clear(rs.role); err != nil {
		return err
	}
	rs.logger.Info().Int("pid", pid).Msg("stopped")
	return rs.to(StateAbsent)
}

// Status reports per-role liveness, the live hostname and the persisted node
// list. It spawns and stops nothing. Two files may change: a dead pid marker
// is cleared and reported as not running, and for an existing install the
// metrics textfile is rewritten to match what Status observed.
func (c *Controller) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{}
	if _, err := os.Stat(c.cfg.ConfigFile); err == nil {
		report.Installed = true
	}

	for _, role := range registry.Roles {
		pid, alive, err := c.registry.Alive(role)
		if err != nil {
			return nil, err
		}
		report.Roles = append(report.Roles, RoleReport{Role: role, PID: pid, Running: alive})
	}

	list, err := os.ReadFile(c.cfg.ListFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read node list %s: %w", c.cfg.ListFile, err)
	}
	report.List = string(list)

	host, err := os.ReadFile(c.cfg.HostFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host file %s: %w", c.cfg.HostFile, err)
	}
	report.Host = strings.TrimSpace(string(host))

	if report.Installed {
		rec, err := store.Load(c.cfg.ConfigFile)
		if err == nil {
			c.writeMetrics(report.Roles, countLines(report.List), rec.Ephemeral())
		}
	}
	return report, nil
}

// Uninstall stops both roles and removes every file argonode persisted.
func (c *Controller) Uninstall(ctx context.Context) error {
	l, err := c.acquire()
	if err != nil {
		return err
	}
	defer l.Release()

	// Tunnel first so no traffic arrives at a stopping proxy.
	for i := len(registry.Roles) - 1; i >= 0; i-- {
		role := registry.Roles[i]
		pid, alive, err := c.registry.Alive(role)
		if err != nil {
			return err
		}
		if !alive {
			continue
		}
		// A role whose process survives keeps its marker so a later
		// uninstall can retry.
		if err := c.stop(ctx, newRoleState(c.logger, role, StateRunning), pid); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(c.cfg.HomeDir); err != nil {
		return fmt.Errorf("remove %s: %w", c.cfg.HomeDir, err)
	}
	c.logger.Info().Msg("uninstalled")
	return nil
}

// Cat returns the persisted node list verbatim.
func (c *Controller) Cat(ctx context.Context) (string, error) {
	data, err := os.ReadFile(c.cfg.ListFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotInstalled
		}
		return "", fmt.Errorf("read node list %s: %w", c.cfg.ListFile, err)
	}
	return string(data), nil
}

func (c *Controller) dropList() {
	for _, p := range []string{c.cfg.ListFile, c.cfg.SubscriptionFile, c.cfg.HostFile} {
		if err := fileutil.RemoveIfExists(p); err != nil {
			c.logger.Warn().Err(err).Msg("could not remove outdated node list")
		}
	}
}

// writeMetrics is best effort: the textfile is a convenience for
// node_exporter and never fails an action.
func (c *Controller) writeMetrics(roles []RoleReport, links int, ephemeral bool) {
	snap := metrics.Snapshot{Links: links, Ephemeral: ephemeral}
	for _, r := range roles {
		snap.Roles = append(snap.Roles, metrics.RoleState{Role: string(r.Role), PID: r.PID, Running: r.Running})
	}
	if err := metrics.WriteTextfile(c.cfg.MetricsFile, snap); err != nil {
		c.logger.Warn().Err(err).Msg("could not write metrics textfile")
	}
}

func countLines(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
