package monitor

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// ProcessNamer resolves a human-readable command name for a PID.
type ProcessNamer interface {
	ProcessName(pid int) (string, error)
}

// ProcfsNamer reads /proc/<pid>/comm under a configurable proc mount.
type ProcfsNamer struct {
	fs  procfs.FS
	err error
}

// NewProcfsNamer returns a namer rooted at procRoot. A missing mount is not an
// error here; every lookup then fails and callers fall back to UnknownProcess.
func NewProcfsNamer(procRoot string) *ProcfsNamer {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return &ProcfsNamer{err: fmt.Errorf("open procfs %s: %w", procRoot, err)}
	}
	return &ProcfsNamer{fs: fs}
}

// ProcessName returns the command name of pid.
func (n *ProcfsNamer) ProcessName(pid int) (string, error) {
	if n.err != nil {
		return "", n.err
	}
	proc, err := n.fs.Proc(pid)
	if err != nil {
		return "", err
	}
	comm, err := proc.Comm()
	if err != nil {
		return "", err
	}
	comm = strings.TrimSpace(comm)
	if comm == "" {
		return "", fmt.Errorf("empty comm for pid %d", pid)
	}
	return comm, nil
}

func resolveProcessName(namer ProcessNamer, pid uint32) string {
	if namer == nil {
		return UnknownProcess
	}
	name, err := namer.ProcessName(int(pid))
	if err != nil {
		// The process may have exited since enumeration.
		return UnknownProcess
	}
	return name
}
