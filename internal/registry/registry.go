// Package registry persists the pid of each managed process in a marker file
// so that "is it running" survives restarts of argonode itself.
package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/argonode/internal/fileutil"
)

// Role names a managed process.
type Role string

const (
	RoleProxy  Role = "proxy"
	RoleTunnel Role = "tunnel"
)

// Roles lists the managed roles in start order.
var Roles = []Role{RoleProxy, RoleTunnel}

// Entry describes where a role's marker lives and how to recognise its
// process.
type Entry struct {
	// Path is the marker file holding the pid.
	Path string
	// Marker must appear in the process's command line for a pid to be
	// trusted. Pids are reused by the kernel, so existence alone is not
	// proof the process is ours.
	Marker string
}

type Registry struct {
	logger  zerolog.Logger
	entries map[Role]Entry
	table   ProcessTable
}

func New(logger zerolog.Logger, entries map[Role]Entry, table ProcessTable) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "registry").Logger(),
		entries: entries,
		table:   table,
	}
}

func (r *Registry) entry(role Role) (Entry, error) {
	e, ok := r.entries[role]
	if !ok {
		return Entry{}, fmt.Errorf("unknown role %q", role)
	}
	return e, nil
}

// Record persists pid for role, replacing any previous value.
func (r *Registry) Record(role Role, pid int) error {
	e, err := r.entry(role)
	if err != nil {
		return err
	}
	if pid <= 0 {
		return fmt.Errorf("record %s: invalid pid %d", role, pid)
	}
	if err := fileutil.WriteAtomic(e.Path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("record %s pid: %w", role, err)
	}
	return nil
}

// Lookup returns the recorded pid for role. A missing marker yields ok=false.
// A marker that does not hold a pid is removed and treated as missing.
func (r *Registry) Lookup(role Role) (int, bool, error) {
	e, err := r.entry(role)
	if err != nil {
		return 0, false, err
	}

	data, err := os.ReadFile(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read %s marker %s: %w", role, e.Path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		r.logger.Warn().Str("role", string(role)).Str("path", e.Path).Msg("discarding unreadable pid marker")
		if err := fileutil.RemoveIfExists(e.Path); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	return pid, true, nil
}

// Clear removes the marker for role.
func (r *Registry) Clear(role Role) error {
	e, err := r.entry(role)
	if err != nil {
		return err
	}
	return fileutil.RemoveIfExists(e.Path)
}

// IsAlive reports whether pid is a live process that still looks like the
// role's binary. When the command line cannot be read (no procfs) only
// existence is checked.
func (r *Registry) IsAlive(role Role, pid int) bool {
	if !r.table.Exists(pid) {
		return false
	}
	e, err := r.entry(role)
	if err != nil || e.Marker == "" {
		return true
	}
	cmdline, err := r.table.Cmdline(pid)
	if err != nil {
		return true
	}
	return strings.Contains(cmdline, e.Marker)
}

// Alive looks up role and confirms the process is running. A dead or foreign
// pid is never reported: its marker is cleared and ok is false.
func (r *Registry) Alive(role Role) (int, bool, error) {
	pid, ok, err := r.Lookup(role)
	if err != nil || !ok {
		return 0, false, err
	}

	if r.IsAlive(role, pid) {
		return pid, true, nil
	}

	r.logger.Info().
		Str("role", string(role)).
		Int("pid", pid).
		Msg("clearing stale pid marker")
	if err := r.Clear(role); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}
