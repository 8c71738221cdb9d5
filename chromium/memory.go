package chromium

import (
	"errors"
	"fmt"
	"slices"

	"github.com/prometheus/procfs"
)

// ChildrenPids returns the IDs of every descendant of pid, sorted.
func ChildrenPids(pid int) ([]int, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return childrenPids(fs, pid)
}

func childrenPids(fs procfs.FS, pid int) ([]int, error) {
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	children := make(map[int][]int)
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			// the process exited while listing
			continue
		}
		children[st.PPID] = append(children[st.PPID], p.PID)
	}

	var pids []int
	queue := children[pid]
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		pids = append(pids, next)
		queue = append(queue, children[next]...)
	}
	slices.Sort(pids)

	return pids, nil
}

// MemoryUsage sums the private and shared memory, in bytes, of pids.
// The first pid is the browser process: failing to read it is an error,
// while children that exited in the meantime are skipped.
func MemoryUsage(pids []int) (private, shared int64, err error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, 0, fmt.Errorf("opening procfs: %w", err)
	}
	return memoryUsage(fs, pids)
}

func memoryUsage(fs procfs.FS, pids []int) (private, shared int64, err error) {
	if len(pids) == 0 {
		return 0, 0, errors.New("no process to account for")
	}
	for i, pid := range pids {
		p, err := fs.Proc(pid)
		if err == nil {
			var rollup procfs.ProcSMapsRollup
			if rollup, err = p.ProcSMapsRollup(); err == nil {
				private += int64(rollup.PrivateClean + rollup.PrivateDirty)
				shared += int64(rollup.SharedClean + rollup.SharedDirty)
				continue
			}
		}
		if i == 0 {
			return 0, 0, fmt.Errorf("reading memory of process %d: %w", pid, err)
		}
	}

	return private, shared, nil
}
