package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ProcessTable is the slice of the operating system's process table the
// registry needs.
type ProcessTable interface {
	// Exists reports whether pid names a live, non-zombie process.
	Exists(pid int) bool
	// Cmdline returns the process's command line with arguments joined by
	// spaces. It fails when the information is unavailable (no /proc).
	Cmdline(pid int) (string, error)
}

// SystemTable queries the running kernel.
type SystemTable struct {
	// ProcDir is the procfs mount point; empty means /proc.
	ProcDir string
}

func (s SystemTable) procDir() string {
	if s.ProcDir == "" {
		return "/proc"
	}
	return s.ProcDir
}

func (s SystemTable) Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs the existence and permission checks only. EPERM
	// means the process exists but belongs to someone else.
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !s.zombie(pid)
}

// zombie reports whether the process has exited but not been reaped. Kill(0)
// still succeeds for zombies, which would otherwise look alive.
func (s SystemTable) zombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", s.procDir(), pid))
	if err != nil {
		return false
	}
	// The state field follows the parenthesised command name, which may
	// itself contain spaces or parentheses.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z'
}

func (s SystemTable) Cmdline(pid int) (string, error) {
	data, err := os.ReadFile(s.procDir() + "/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return "", err
	}
	data = bytes.TrimRight(data, "\x00")
	return string(bytes.ReplaceAll(data, []byte{0}, []byte{' '})), nil
}
