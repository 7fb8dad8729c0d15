// Package procs finds worker processes that no session owns.
package procs

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/prometheus/procfs"
)

// InitPID is the parent of processes whose own parent has exited.
const InitPID = 1

// Process is one entry of a process table snapshot.
type Process struct {
	PID     int
	PPID    int
	Name    string
	Started time.Time
}

// Lister takes a snapshot of the process table.
type Lister interface {
	List() ([]Process, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func() ([]Process, error)

// List calls f.
func (f ListerFunc) List() ([]Process, error) {
	return f()
}

// ProcFSLister reads /proc through procfs.
type ProcFSLister struct {
	fs procfs.FS
}

// NewProcFSLister opens the default /proc mount.
func NewProcFSLister() (*ProcFSLister, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcFSLister{fs: fs}, nil
}

// List returns every process it could read. Processes that exit while the
// table is being walked are skipped.
func (l *ProcFSLister) List() ([]Process, error) {
	all, err := l.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]Process, 0, len(all))
	for _, p := range all {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		started, err := stat.StartTime()
		if err != nil {
			continue
		}
		out = append(out, Process{
			PID:     stat.PID,
			PPID:    stat.PPID,
			Name:    stat.Comm,
			Started: time.Unix(0, int64(started*float64(time.Second))),
		})
	}
	return out, nil
}

// Criteria restricts which untracked processes count as rogue.
type Criteria struct {
	// Name is the exact worker process name.
	Name string
	// MinAge excludes processes younger than this, which may still be
	// spawning on behalf of a session.
	MinAge time.Duration
	// Self is this server's pid.
	Self int
}

// Rogue returns the pids of processes in observed that are not tracked,
// match the worker name, are older than MinAge, and are children of Self
// or of init. The result is sorted.
func Rogue(observed []Process, tracked map[int]bool, c Criteria, now time.Time) []int {
	var rogue []int
	for _, p := range observed {
		if tracked[p.PID] {
			continue
		}
		if p.Name != c.Name {
			continue
		}
		if now.Sub(p.Started) <= c.MinAge {
			continue
		}
		if p.PPID != c.Self && p.PPID != InitPID {
			continue
		}
		rogue = append(rogue, p.PID)
	}
	sort.Ints(rogue)
	return rogue
}

// Killer terminates processes by pid.
type Killer interface {
	Kill(pid int) error
}

// KillerFunc adapts a function to Killer.
type KillerFunc func(pid int) error

// Kill calls f.
func (f KillerFunc) Kill(pid int) error {
	return f(pid)
}

// OSKiller sends SIGKILL through the os package.
type OSKiller struct{}

// Kill terminates pid.
func (OSKiller) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}
