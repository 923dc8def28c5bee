// Package affinity maps pool worker slots to CPU ids so each worker keeps a
// dedicated physical core, maximizing per-worker cache on NUMA hardware.
package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map describes the host CPU layout and the pinning policy. The zero value
// (Step == 0) disables pinning entirely.
type Map struct {
	// Step between CPU indexes of successive worker slots. 0 disables
	// pinning; a value larger than 1 reduces the effective worker count,
	// callers pre-compute their worker number accordingly.
	Step int

	// Hardware threads per physical core.
	CoreThreads int

	// NUMA nodes on the host.
	Nodes int

	// CrossNodes marks layouts where CPUs are enumerated across nodes
	// round-robin (node 0 gets even ids, node 1 odd ids on a 2-node host):
	// each run of Nodes ids holds one primary thread per node and is followed
	// by the Nodes*(CoreThreads-1) secondary threads of those cores.
	CrossNodes bool
}

// Enabled reports whether slots are pinned at all.
func (m Map) Enabled() bool {
	return m.Step > 0
}

// CPU returns the CPU id for a worker slot, skipping non-primary hardware
// threads. For cross-node enumerations every run of nodes primary ids is
// followed by nodes*(coreThreads-1) secondary ids, so the id is corrected by
// i + (i/nodes)*nodes*(coreThreads-1). Sequential enumerations list all
// primary threads first and need no correction.
func (m Map) CPU(slot int) int {
	i := slot * m.Step
	if !m.CrossNodes || m.CoreThreads <= 1 || m.Nodes <= 0 {
		return i
	}
	return i + (i/m.Nodes)*m.Nodes*(m.CoreThreads-1)
}

// Pin binds pid to the CPU of the given slot. No-op when pinning is disabled.
func (m Map) Pin(pid, slot int) error {
	if !m.Enabled() {
		return nil
	}
	cpu := m.CPU(slot)
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("pinning pid %d to cpu %d: %v", pid, cpu, err)
	}
	return nil
}
