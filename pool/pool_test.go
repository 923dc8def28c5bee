package pool

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func newTestPool(t *testing.T, workers int, mut ...func(*Config)) *ExecPool {
	t.Helper()
	c := Config{Workers: workers, Latency: 50 * time.Millisecond, KillGrace: time.Second}
	for _, f := range mut {
		f(&c)
	}
	p, err := NewExecPool(c)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Finalize)
	return p
}

type cbRecorder struct {
	starts, dones int
	lastDone      *Job
}

func (r *cbRecorder) OnStart(*Job) { r.starts++ }
func (r *cbRecorder) OnDone(j *Job) {
	r.dones++
	r.lastDone = j
}

// Basic drain: one slot, /bin/true, unbounded timeout.
func TestJoinBasicDrain(t *testing.T) {
	p := newTestPool(t, 1)
	rec := &cbRecorder{}
	j := NewJob("ok", "true")
	j.Callbacks = rec

	if code, err := p.Execute(j, false); code != 0 || err != nil {
		t.Fatalf("schedule: %d %v", code, err)
	}
	if !p.Join(5 * time.Second) {
		t.Fatal("expected clean drain")
	}
	if j.Rcode != 0 || j.state != jobFinishedOK {
		t.Fatalf("job: %s", spew.Sdump(j))
	}
	if rec.starts != 1 || rec.dones != 1 {
		t.Fatalf("callbacks: starts=%d dones=%d", rec.starts, rec.dones)
	}
	if j.Tstop.Before(j.Tstart) {
		t.Fatal("tstop precedes tstart")
	}
}

// Timeout with the terminate policy: rcode reflects the signal, OnDone
// never fires, duration is bounded by timeout+latency+grace.
func TestJoinTimeoutTerminate(t *testing.T) {
	p := newTestPool(t, 1)
	rec := &cbRecorder{}
	j := NewJob("slow", "sleep", "10")
	j.Timeout = 300 * time.Millisecond
	j.OnTimeout = TimeoutTerminate
	j.Callbacks = rec

	if _, err := p.Execute(j, false); err != nil {
		t.Fatal(err)
	}
	if !p.Join(10 * time.Second) {
		t.Fatal("expected drain after termination")
	}
	if j.Rcode == 0 {
		t.Fatal("terminated job must not report success")
	}
	if rec.dones != 0 {
		t.Fatal("OnDone must not fire for a terminated job")
	}
	dur := j.Tstop.Sub(j.Tstart)
	if dur < 300*time.Millisecond || dur > 300*time.Millisecond+p.cfg.Latency+p.cfg.KillGrace+time.Second {
		t.Fatalf("duration out of bounds: %v", dur)
	}
}

// Timeout with the restart policy: the job keeps being re-spawned until the
// global deadline fires; Join reports an unclean drain.
func TestJoinTimeoutRestart(t *testing.T) {
	p := newTestPool(t, 1)
	rec := &cbRecorder{}
	j := NewJob("phoenix", "sleep", "10")
	j.Timeout = 200 * time.Millisecond
	j.OnTimeout = TimeoutRestart
	j.Callbacks = rec

	if _, err := p.Execute(j, false); err != nil {
		t.Fatal(err)
	}
	if p.Join(1500 * time.Millisecond) {
		t.Fatal("expected deadline drain, not clean")
	}
	if j.NumTerminations < 2 {
		t.Fatalf("expected at least 2 terminations, got %d", j.NumTerminations)
	}
	if rec.dones != 0 {
		t.Fatal("OnDone must not fire")
	}
}

func TestExecuteSync(t *testing.T) {
	p := newTestPool(t, 1)
	rec := &cbRecorder{}
	j := NewJob("inline", "true")
	j.Callbacks = rec
	code, err := p.Execute(j, true)
	if err != nil || code != 0 {
		t.Fatalf("sync run: %d %v", code, err)
	}
	if rec.starts != 1 || rec.dones != 1 {
		t.Fatalf("callbacks: %+v", rec)
	}

	bad := NewJob("inlineBad", "false")
	code, err = p.Execute(bad, true)
	if err != nil || code != 1 {
		t.Fatalf("sync failing run: %d %v", code, err)
	}
}

func TestExecuteValidation(t *testing.T) {
	p := newTestPool(t, 1)
	if _, err := p.Execute(NewJob("", "true"), false); err == nil {
		t.Fatal("empty name must be rejected")
	}
	j := NewJob("dup", "true")
	if _, err := p.Execute(j, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Execute(NewJob("dup", "true"), false); err == nil {
		t.Fatal("duplicate name must be rejected")
	}
	if _, err := p.Execute(j, false); err == nil {
		t.Fatal("resubmission must be rejected")
	}
	p.Join(5 * time.Second)
}

func TestSpawnFailureRemovesJobWithoutOnDone(t *testing.T) {
	p := newTestPool(t, 1)
	rec := &cbRecorder{}
	j := NewJob("ghost", "/nonexistent/binary")
	j.Callbacks = rec
	if _, err := p.Execute(j, false); err == nil {
		t.Fatal("expected spawn error")
	}
	if rec.dones != 0 {
		t.Fatal("OnDone must not fire on spawn failure")
	}
	if p.NumActive() != 0 || p.NumWaiting() != 0 {
		t.Fatal("failed spawn must not linger in the pool")
	}
}

func TestStubJobRunsCallbacksOnly(t *testing.T) {
	p := newTestPool(t, 1)
	rec := &cbRecorder{}
	j := NewJob("stub")
	j.Callbacks = rec
	if _, err := p.Execute(j, false); err != nil {
		t.Fatal(err)
	}
	if !p.Join(5 * time.Second) {
		t.Fatal("expected drain")
	}
	if rec.starts != 1 || rec.dones != 1 || j.Rcode != 0 {
		t.Fatalf("stub callbacks: %+v rcode=%d", rec, j.Rcode)
	}
}

// Queueing beyond the slot count: all jobs complete, never more active than
// the worker bound.
func TestQueueingRespectsWorkerBound(t *testing.T) {
	p := newTestPool(t, 2)
	rec := &cbRecorder{}
	for _, name := range []string{"q1", "q2", "q3", "q4", "q5"} {
		j := NewJob(name, "true")
		j.Callbacks = rec
		if _, err := p.Execute(j, false); err != nil {
			t.Fatal(err)
		}
		if p.NumActive() > 2 {
			t.Fatalf("active %d exceeds workers", p.NumActive())
		}
	}
	if !p.Join(10 * time.Second) {
		t.Fatal("expected drain")
	}
	if rec.dones != 5 {
		t.Fatalf("expected 5 completions, got %d", rec.dones)
	}
}

// Chained eviction: the largest consumer drags every same-category job of
// greater-or-equal size into the same round, the chain returns to the queue
// smallest-first, and the worker count shrinks by one.
func TestChainedEviction(t *testing.T) {
	p := newTestPool(t, 2, func(c *Config) { c.VMLimit = 1 << 30 })
	a := NewJob("a", "sleep", "60")
	a.Category = "gen"
	a.Size = 1
	b := NewJob("b", "sleep", "60")
	b.Category = "gen"
	b.Size = 10

	sampled := map[int]uint64{}
	p.memUsage = func(pid int) (uint64, error) { return sampled[pid], nil }

	if _, err := p.Execute(a, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Execute(b, false); err != nil {
		t.Fatal(err)
	}
	sampled[a.Pid] = 900 << 20
	sampled[b.Pid] = 700 << 20

	_, cbs := p.tick()
	runAll(cbs)

	// a (largest) triggers the round; b chains in via category+size. The
	// same tick re-promotes a (smallest first, empty active set), while b
	// stays blocked behind the budget.
	if a.state != jobActive {
		t.Fatalf("a should have been rescheduled first: %s", spew.Sdump(a.state))
	}
	if b.state != jobWaiting {
		t.Fatal("b must wait behind the budget after eviction")
	}
	if a.NumTerminations != 1 || b.NumTerminations != 1 {
		t.Fatalf("both chain members must be terminated once: a=%d b=%d", a.NumTerminations, b.NumTerminations)
	}
	if p.CurWorkers() != 1 {
		t.Fatalf("eviction round must shrink workers to 1, got %d", p.CurWorkers())
	}
	if p.NumActive() > p.CurWorkers() {
		t.Fatal("active set exceeds current worker bound")
	}
}

// Unknown sizes disable chaining: only the over-budget job is evicted.
func TestEvictionUnknownSizeNotChained(t *testing.T) {
	p := newTestPool(t, 2, func(c *Config) { c.VMLimit = 1 << 30 })
	a := NewJob("a", "sleep", "60")
	a.Category = "gen" // Size stays SizeUnknown
	b := NewJob("b", "sleep", "60")
	b.Category = "gen"
	b.Size = 10

	sampled := map[int]uint64{}
	p.memUsage = func(pid int) (uint64, error) { return sampled[pid], nil }
	if _, err := p.Execute(a, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Execute(b, false); err != nil {
		t.Fatal(err)
	}
	sampled[a.Pid] = 900 << 20
	sampled[b.Pid] = 300 << 20

	_, cbs := p.tick()
	runAll(cbs)

	if b.NumTerminations != 0 {
		t.Fatal("b must not be dragged into an unknown-size eviction")
	}
	if a.NumTerminations != 1 {
		t.Fatalf("a should have been evicted alone, terms=%d", a.NumTerminations)
	}
}

// Strict FIFO promotion: a head that does not fit the budget blocks
// everything behind it until the active set drains.
func TestFIFOHeadBlocksQueue(t *testing.T) {
	p := newTestPool(t, 1, func(c *Config) { c.VMLimit = 512 << 20 })
	filler := NewJob("filler", "sleep", "60")
	q1 := NewJob("q1", "sleep", "0.1")
	q1.Category = "big"
	q1.Size = 1
	q2 := NewJob("q2", "sleep", "0.1")
	q2.Category = "small"
	q2.Size = 1

	sampled := map[int]uint64{}
	p.memUsage = func(pid int) (uint64, error) { return sampled[pid], nil }

	if _, err := p.Execute(filler, false); err != nil {
		t.Fatal(err)
	}
	sampled[filler.Pid] = 1 << 20
	// Completed history makes q1 predict 1GB and q2 100MB.
	p.doneByCategory["big"] = []sizeVmem{{1, 1 << 30}}
	p.doneByCategory["small"] = []sizeVmem{{1, 100 << 20}}

	if _, err := p.Execute(q1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Execute(q2, false); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		_, cbs := p.tick()
		runAll(cbs)
		if q2.state != jobWaiting {
			t.Fatal("q2 must not overtake the blocked head")
		}
		if q1.state != jobWaiting {
			t.Fatal("q1 cannot fit while the filler runs")
		}
	}

	filler.terminate(time.Second)
	_, cbs := p.tick()
	runAll(cbs)
	// Empty active set admits the head regardless of its prediction, so the
	// pool keeps making forward progress.
	if q1.state != jobActive {
		t.Fatalf("q1 should run once the pool drained: %v", q1.state)
	}
	if q2.state == jobActive {
		t.Fatal("q2 admitted out of order")
	}
}

// Task lifecycle: implicit start on the first job, counters close exactly,
// completion fires once.
func TestTaskCountersAndCompletion(t *testing.T) {
	p := newTestPool(t, 2)
	var taskStarts, taskDones int
	tk := NewTask("batch")
	tk.Callbacks = taskCB{func(*Task) { taskStarts++ }, func(*Task) { taskDones++ }}

	good := tk.AddJob(NewJob("good", "true"))
	bad := tk.AddJob(NewJob("bad", "false"))
	if _, err := p.Execute(good, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Execute(bad, false); err != nil {
		t.Fatal(err)
	}
	if !p.Join(10 * time.Second) {
		t.Fatal("expected drain")
	}
	if tk.NumAdded != 2 || tk.NumDone != 1 || tk.NumTerm != 1 {
		t.Fatalf("counters: added=%d done=%d term=%d", tk.NumAdded, tk.NumDone, tk.NumTerm)
	}
	if taskStarts != 1 || taskDones != 1 {
		t.Fatalf("task callbacks: starts=%d dones=%d", taskStarts, taskDones)
	}
	if tk.Tstop.IsZero() {
		t.Fatal("completed task must carry Tstop")
	}
}

type taskCB struct {
	onStart func(*Task)
	onDone  func(*Task)
}

func (c taskCB) OnStart(t *Task) { c.onStart(t) }
func (c taskCB) OnDone(t *Task)  { c.onDone(t) }

// The global deadline terminates everything and clears the queue without
// firing OnDone.
func TestJoinDeadline(t *testing.T) {
	p := newTestPool(t, 1)
	rec := &cbRecorder{}
	running := NewJob("running", "sleep", "60")
	running.Callbacks = rec
	queued := NewJob("queued", "sleep", "60")
	queued.Callbacks = rec

	if _, err := p.Execute(running, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Execute(queued, false); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if p.Join(300 * time.Millisecond) {
		t.Fatal("expected deadline drain")
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond+p.cfg.Latency+p.cfg.KillGrace+time.Second {
		t.Fatalf("join overran its bound: %v", elapsed)
	}
	if rec.dones != 0 {
		t.Fatal("OnDone must not fire on deadline shutdown")
	}
	if p.NumWaiting() != 0 || p.NumActive() != 0 {
		t.Fatal("finalization must clear both sets")
	}
	// idempotent
	p.Finalize()
	if _, err := p.Execute(NewJob("late", "true"), false); err == nil {
		t.Fatal("finalized pool must reject new jobs")
	}
}

func TestRequestStopFinalizesOnNextTick(t *testing.T) {
	p := newTestPool(t, 1)
	j := NewJob("longhaul", "sleep", "60")
	if _, err := p.Execute(j, false); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		p.RequestStop()
	}()
	if p.Join(10 * time.Second) {
		t.Fatal("stop request must report unclean drain")
	}
	if p.NumActive() != 0 {
		t.Fatal("stop must terminate active jobs")
	}
}

// Predicted vmem is inherited from the largest completed same-category job
// with size <= the new job's size.
func TestPredictedVmemInheritance(t *testing.T) {
	p := newTestPool(t, 1)
	p.doneByCategory["gen"] = []sizeVmem{
		{size: 1, vmem: 100},
		{size: 5, vmem: 500},
		{size: 10, vmem: 900},
	}

	j := NewJob("next", "true")
	j.Category = "gen"
	j.Size = 7
	if got := p.predictedVmem(j); got != 500 {
		t.Fatalf("predicted: got %d, want 500", got)
	}
	j.Size = 10
	if got := p.predictedVmem(j); got != 900 {
		t.Fatalf("predicted: got %d, want 900", got)
	}

	first := NewJob("first", "true")
	first.Category = "unseen"
	first.Size = 3
	if got := p.predictedVmem(first); got != 0 {
		t.Fatalf("first admission of a category must predict 0, got %d", got)
	}

	ran := NewJob("ran", "true")
	ran.Category = "gen"
	ran.Size = 1
	ran.VmemSmooth = 12345
	if got := p.predictedVmem(ran); got != 12345 {
		t.Fatalf("own observation beats category history, got %d", got)
	}
}

// Callback panics are logged and contained; a panicking OnDone does not
// undo the job's success or abort the supervisor.
func TestCallbackPanicIsContained(t *testing.T) {
	p := newTestPool(t, 1)
	j := NewJob("panicky", "true")
	j.Callbacks = panicCB{}
	if _, err := p.Execute(j, false); err != nil {
		t.Fatal(err)
	}
	if !p.Join(5 * time.Second) {
		t.Fatal("expected drain despite panicking callbacks")
	}
	if j.state != jobFinishedOK {
		t.Fatal("panicking OnDone must not undo success")
	}
}

type panicCB struct{}

func (panicCB) OnStart(*Job) { panic("on start") }
func (panicCB) OnDone(*Job)  { panic("on done") }

// A downed probe degrades the pool to unlimited mode with no eviction.
func TestProbeUnavailableDegradesToUnlimited(t *testing.T) {
	p := newTestPool(t, 1, func(c *Config) { c.VMLimit = 1 })
	p.memUsage = func(int) (uint64, error) { return 0, errInvalid("no memory accounting here") }
	j := NewJob("j", "sleep", "0.3")
	if _, err := p.Execute(j, false); err != nil {
		t.Fatal(err)
	}
	if !p.Join(5 * time.Second) {
		t.Fatal("expected drain despite the absurd limit")
	}
	if !p.probeDown {
		t.Fatal("probe failure must be latched")
	}
	if j.NumTerminations != 0 {
		t.Fatal("no eviction in degraded mode")
	}
}
