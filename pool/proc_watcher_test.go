package pool

import (
	"fmt"
	"os"
	"testing"
)

type testProcGetter struct {
	procs []string // "pid ppid memKiB" lines
}

func (pg *testProcGetter) getProcs() (processMaps, error) {
	return parseProcs(pg.procs)
}

func newTestWatcher(procs ...string) *procWatcher {
	return &procWatcher{pg: &testProcGetter{procs: procs}}
}

// Tests that single process memory usage is counted
func TestMemUsageSingle(t *testing.T) {
	mem := 10
	w := newTestWatcher(fmt.Sprintf("1 0 %d", mem))
	got, err := w.MemUsage(1)
	if got != uint64(mem*bytesPerKiB) || err != nil {
		t.Fatalf("%v: %v mem", err, got)
	}
}

// Tests that memory of direct and transitive children is counted
func TestMemUsageDescendants(t *testing.T) {
	mem := 10
	w := newTestWatcher("1 0 10", "2 1 10", "3 2 10")
	got, err := w.MemUsage(1)
	if got != uint64(3*mem*bytesPerKiB) || err != nil {
		t.Fatalf("%v: %v mem", err, got)
	}
}

// Tests that memory of unrelated processes is not counted
func TestMemUsageUnrelated(t *testing.T) {
	w := newTestWatcher("1 0 10", "2 1 10", "100 100 100", "101 100 100")
	got, err := w.MemUsage(1)
	if got != uint64(2*10*bytesPerKiB) || err != nil {
		t.Fatalf("%v: %v mem", err, got)
	}
}

func TestMemUsageMissingRoot(t *testing.T) {
	w := newTestWatcher("1 0 10")
	if _, err := w.MemUsage(42); err != errProcNotFound {
		t.Fatalf("expected errProcNotFound, got %v", err)
	}
}

func TestMemUsageCyclicParentIsTolerated(t *testing.T) {
	// pid 1 lists itself as parent (init does on some systems)
	w := newTestWatcher("1 1 10", "2 1 10")
	got, err := w.MemUsage(1)
	if got != uint64(2*10*bytesPerKiB) || err != nil {
		t.Fatalf("%v: %v mem", err, got)
	}
}

func TestParseProcsRejectsGarbage(t *testing.T) {
	if _, err := parseProcs([]string{"not a proc line"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseProcEntry(t *testing.T) {
	// comm with spaces and parens must not confuse the ppid scan
	stat := "42 (some (weird) name) S 7 42 42 0 -1 4194560"
	statm := "2000 150 50 10 0 500 0"
	p, err := parseProcEntry(42, stat, statm, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if p.ppid != 7 {
		t.Fatalf("ppid: got %d, want 7", p.ppid)
	}
	if p.memBytes != (150+50)*4096 {
		t.Fatalf("memBytes: got %d", p.memBytes)
	}
}

// Samples this test process via the real /proc walk.
func TestOSProbeSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/statm"); err != nil {
		t.Skip("no /proc on this system")
	}
	w := newProcWatcher()
	mem, err := w.MemUsage(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if mem == 0 {
		t.Fatal("expected a live process to have nonzero resident memory")
	}
}
