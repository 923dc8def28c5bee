// Package pool schedules external processes under strict resource
// constraints: per-job timeouts, a global memory budget with chained
// rescheduling, and NUMA-aware CPU affinity over a bounded set of worker
// slots.
package pool

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	log "github.com/sirupsen/logrus"

	"github.com/execd/execpool/affinity"
	cerrors "github.com/execd/execpool/common/errors"
	"github.com/execd/execpool/common/stats"
)

// Defaults applied by NewExecPool when the config leaves them zero.
const (
	DefaultLatency     = 2 * time.Second
	DefaultKillGrace   = 3 * time.Second
	defaultSmoothAlpha = 0.95
	syncPollInterval   = 50 * time.Millisecond
)

// Config tunes an ExecPool. Zero values mean: DefaultLatency,
// DefaultKillGrace, unlimited memory, chained constraints enabled, no
// affinity pinning.
type Config struct {
	// Worker slot count; at least 1.
	Workers int

	// Slot to CPU pinning policy. The zero Map disables pinning.
	Affinity affinity.Map

	// Global budget over the smoothed memory of all active jobs, in bytes.
	// 0 means unlimited.
	VMLimit uint64

	// Upper bound on the supervisor tick sleep.
	Latency time.Duration

	// SIGTERM to SIGKILL grace on termination.
	KillGrace time.Duration

	// Disables grouping same-category evictions; individual jobs are then
	// evicted on their own.
	DisableChaining bool

	// Smoothing factor for the memory high-water mark, in [0, 1).
	SmoothAlpha float64

	Stat stats.StatsReceiver
}

type sizeVmem struct {
	size Size
	vmem uint64
}

// ExecPool runs jobs as OS child processes over a bounded set of worker
// slots. The supervisor is single-threaded: Join's caller owns all mutation
// of the waiting queue, the active set and task counters; the mutex only
// shields snapshot readers.
type ExecPool struct {
	cfg  Config
	stat stats.StatsReceiver
	tag  string

	mu         sync.Mutex
	alive      bool
	curWorkers int
	waiting    []*Job
	active     map[int]*Job
	finished   []*Job
	tasks      []*Task
	taskSeen   map[*Task]bool
	names      map[string]bool

	doneByCategory map[string][]sizeVmem

	pw        *procWatcher
	memUsage  func(int) (uint64, error)
	probeDown bool

	tstart  time.Time
	stopReq int32
}

func NewExecPool(cfg Config) (*ExecPool, error) {
	if cfg.Workers < 1 {
		return nil, cerrors.NewError(errInvalid("pool requires at least one worker slot"), cerrors.ConfigInvalidExitCode)
	}
	if cfg.SmoothAlpha < 0 || cfg.SmoothAlpha >= 1 {
		return nil, cerrors.NewError(errInvalid("smoothing factor must be in [0, 1)"), cerrors.ConfigInvalidExitCode)
	}
	if cfg.SmoothAlpha == 0 {
		cfg.SmoothAlpha = defaultSmoothAlpha
	}
	if cfg.Latency <= 0 {
		cfg.Latency = DefaultLatency
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	stat := cfg.Stat
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	tag := ""
	if u, err := uuid.NewV4(); err == nil {
		tag = u.String()[:8]
	}
	p := &ExecPool{
		cfg:            cfg,
		stat:           stat,
		tag:            tag,
		alive:          true,
		curWorkers:     cfg.Workers,
		active:         make(map[int]*Job),
		taskSeen:       make(map[*Task]bool),
		names:          make(map[string]bool),
		doneByCategory: make(map[string][]sizeVmem),
		pw:             newProcWatcher(),
		tstart:         time.Now(),
	}
	p.memUsage = p.pw.MemUsage
	log.WithFields(log.Fields{
		"pool":    p.tag,
		"workers": cfg.Workers,
		"vmLimit": cfg.VMLimit,
		"latency": cfg.Latency,
	}).Info("Pool created")
	return p, nil
}

// Execute submits a job. In sync mode the job runs inline and its exit code
// is returned. In async mode the job starts immediately when a slot is free
// and the memory budget permits, otherwise it joins the FIFO waiting queue;
// the returned code is 0 on successful scheduling.
func (p *ExecPool) Execute(j *Job, sync bool) (int, error) {
	if err := j.validate(); err != nil {
		return -1, err
	}
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return -1, cerrors.NewError(errInvalid("pool is finalized"), cerrors.ConfigInvalidExitCode)
	}
	if p.names[j.Name] {
		p.mu.Unlock()
		return -1, cerrors.NewError(errInvalid("duplicate job name "+j.Name), cerrors.ConfigInvalidExitCode)
	}
	p.names[j.Name] = true
	p.registerTask(j)

	if sync {
		p.mu.Unlock()
		return p.runSync(j)
	}

	var cbs []func()
	slot, free := p.freeSlot()
	if free && p.fitsBudget(j) {
		var err error
		cbs, err = p.startJob(j, slot)
		if err != nil {
			p.updateGauges()
			p.mu.Unlock()
			runAll(cbs)
			return -1, err
		}
	} else {
		j.state = jobWaiting
		p.waiting = append(p.waiting, j)
	}
	p.updateGauges()
	p.mu.Unlock()
	runAll(cbs)
	return 0, nil
}

// Join runs the supervisor until both the active set and the waiting queue
// drain (returns true) or the global deadline fires (terminates everything,
// clears the queue without running OnDone, returns false). A zero timeout
// joins without a deadline.
func (p *ExecPool) Join(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		done, cbs := p.tick()
		runAll(cbs)
		if done {
			return true
		}
		if atomic.LoadInt32(&p.stopReq) != 0 {
			log.WithFields(log.Fields{"pool": p.tag}).Info("Stop requested, finalizing")
			p.Finalize()
			return false
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			log.WithFields(log.Fields{"pool": p.tag}).Warn("Global deadline exceeded, terminating all jobs")
			p.Finalize()
			return false
		}
		sleep := p.cfg.Latency
		if !deadline.IsZero() {
			if left := time.Until(deadline); left < sleep {
				sleep = left
			}
		}
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

// RequestStop asks the supervisor to finalize on its next tick. Safe to call
// from a signal-handling goroutine; idempotent.
func (p *ExecPool) RequestStop() {
	atomic.StoreInt32(&p.stopReq, 1)
}

// Finalize terminates every active job (polite signal, grace, force kill),
// clears the waiting queue without invoking OnDone, and is idempotent.
func (p *ExecPool) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeLocked()
}

func (p *ExecPool) finalizeLocked() {
	if !p.alive {
		return
	}
	p.alive = false
	now := time.Now()
	for slot, j := range p.active {
		delete(p.active, slot)
		j.terminate(p.cfg.KillGrace)
		j.state = jobFinishedFail
		j.Tstop = now
		p.finished = append(p.finished, j)
		p.stat.Counter(stats.PoolJobsTerminatedCounter).Inc(1)
		if tk := j.Task; tk != nil {
			tk.noteFinished(false, now)
		}
	}
	for _, j := range p.waiting {
		j.state = jobFinishedFail
		j.Tstop = now
		p.finished = append(p.finished, j)
		if tk := j.Task; tk != nil {
			tk.noteFinished(false, now)
		}
	}
	p.waiting = nil
	p.updateGauges()
	log.WithFields(log.Fields{"pool": p.tag}).Info("Pool finalized")
}

// tick is one supervisor pass: poll the active set, enforce timeouts,
// sample memory, evict over budget, promote waiting jobs. Callbacks are
// returned to run outside the lock (still on the supervisor goroutine) so
// they may re-enter the pool.
func (p *ExecPool) tick() (bool, []func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return true, nil
	}
	var cbs []func()
	now := time.Now()

	for slot, j := range p.active {
		exited, rcode, err := j.poll()
		if err != nil {
			log.WithFields(log.Fields{"pid": j.Pid, "jobName": j.JobName, "pool": p.tag}).Warnf("Error polling job: %v", err)
			continue
		}
		if exited {
			delete(p.active, slot)
			cbs = append(cbs, p.finishJob(j, rcode, now, false)...)
			continue
		}

		timedOut := j.Timeout > 0 && now.Sub(j.attemptStart) > j.Timeout
		taskExpired := j.Task != nil && j.Task.expired(now)
		if timedOut && j.OnTimeout == TimeoutRestart && !taskExpired {
			log.WithFields(log.Fields{"jobName": j.JobName, "pid": j.Pid, "pool": p.tag}).Info("Job timed out, restarting in place")
			if err := j.restart(p.cfg.Affinity, p.cfg.KillGrace); err != nil {
				delete(p.active, slot)
				cbs = append(cbs, p.finishJob(j, j.Rcode, now, true)...)
				continue
			}
			p.stat.Counter(stats.PoolJobsRestartedCounter).Inc(1)
			continue
		}
		if timedOut || taskExpired {
			log.WithFields(log.Fields{"jobName": j.JobName, "pid": j.Pid, "pool": p.tag}).Info("Job timed out, terminating")
			rcode := j.terminate(p.cfg.KillGrace)
			delete(p.active, slot)
			cbs = append(cbs, p.finishJob(j, rcode, now, true)...)
			continue
		}

		p.sampleMem(j)
	}

	if p.cfg.VMLimit > 0 && !p.probeDown && p.totalVmem() > p.cfg.VMLimit {
		p.evictRound()
	}

	cbs = append(cbs, p.promote()...)

	p.updateGauges()
	return len(p.active) == 0 && len(p.waiting) == 0, cbs
}

// finishJob moves a job out of the running world. terminated marks policy
// kills: they count under the task's terminations and never fire OnDone.
func (p *ExecPool) finishJob(j *Job, rcode int, now time.Time, terminated bool) []func() {
	var cbs []func()
	j.Tstop = now
	p.finished = append(p.finished, j)
	p.stat.Histogram(stats.PoolJobDurationHist).Update(j.Tstop.Sub(j.Tstart).Milliseconds())

	ok := !terminated && rcode == 0
	if ok {
		j.state = jobFinishedOK
		p.recordDone(j)
		p.stat.Counter(stats.PoolJobsDoneCounter).Inc(1)
		cb := j.Callbacks
		cbs = append(cbs, func() { cb.OnDone(j) })
	} else {
		j.state = jobFinishedFail
		if terminated {
			p.stat.Counter(stats.PoolJobsTerminatedCounter).Inc(1)
		} else {
			p.stat.Counter(stats.PoolJobsFailedCounter).Inc(1)
		}
	}
	if tk := j.Task; tk != nil {
		if tk.noteFinished(ok, now) {
			cbs = append(cbs, func() { tk.Callbacks.OnDone(tk) })
		}
	}
	return cbs
}

// startJob spawns j onto slot. With the lock held; the returned closures
// (task OnStart, job OnStart, start delay) run after unlock. On spawn
// failure the job is removed without OnDone and the error is returned.
func (p *ExecPool) startJob(j *Job, slot int) ([]func(), error) {
	var cbs []func()
	now := time.Now()
	if err := j.start(slot, p.cfg.Affinity); err != nil {
		log.WithFields(log.Fields{"jobName": j.JobName, "pool": p.tag}).Errorf("Failed to start job: %v", err)
		j.Rcode = int(cerrors.CodeOf(err))
		j.state = jobFinishedFail
		j.Tstop = now
		p.finished = append(p.finished, j)
		p.stat.Counter(stats.PoolJobsFailedCounter).Inc(1)
		if tk := j.Task; tk != nil {
			if tk.noteFinished(false, now) {
				cbs = append(cbs, func() { tk.Callbacks.OnDone(tk) })
			}
		}
		return cbs, err
	}
	j.state = jobActive
	p.active[slot] = j
	p.stat.Counter(stats.PoolJobsStartedCounter).Inc(1)
	log.WithFields(log.Fields{
		"jobName": j.JobName,
		"pid":     j.Pid,
		"slot":    slot,
		"pool":    p.tag,
	}).Info("Job started")

	if tk := j.Task; tk != nil && tk.noteStarted(now) {
		cbs = append(cbs, func() { tk.Callbacks.OnStart(tk) })
	}
	cbs = append(cbs, func() {
		j.Callbacks.OnStart(j)
		if j.StartDelay > 0 {
			time.Sleep(j.StartDelay)
		}
	})
	return cbs, nil
}

// promote admits jobs from the head of the waiting queue while a slot is
// free and the head fits the budget. Strict FIFO: a head that does not fit
// blocks everything behind it, keeping starvation diagnosable.
func (p *ExecPool) promote() []func() {
	var cbs []func()
	for len(p.waiting) > 0 {
		slot, free := p.freeSlot()
		if !free {
			break
		}
		head := p.waiting[0]
		if !p.fitsBudget(head) {
			break
		}
		p.waiting = p.waiting[1:]
		// A failed spawn was already removed and logged; keep promoting.
		c, _ := p.startJob(head, slot)
		cbs = append(cbs, c...)
	}
	return cbs
}

// evictRound frees memory by terminating the largest consumers and
// deferring them back to the waiting queue. With chaining, every active job
// of the same category and greater-or-equal known size goes in the same
// round. The queue front receives the chain in increasing-size order so
// larger jobs retry only after their smaller siblings complete. Each round
// also shrinks the worker count by one, down to 1, so recurring pressure
// converges instead of churning.
func (p *ExecPool) evictRound() {
	limit := p.cfg.VMLimit
	act := make([]*Job, 0, len(p.active))
	for _, j := range p.active {
		act = append(act, j)
	}
	sort.Slice(act, func(a, b int) bool { return act[a].VmemSmooth > act[b].VmemSmooth })

	var evicted []*Job
	inEvicted := make(map[*Job]bool)
	total := p.totalVmem()
	for _, j := range act {
		if total <= limit {
			break
		}
		if inEvicted[j] {
			continue
		}
		chain := []*Job{j}
		if !p.cfg.DisableChaining && j.Category != "" && j.Size.Known() {
			for _, k := range act {
				if k != j && !inEvicted[k] && k.Category == j.Category && k.Size.Known() && k.Size >= j.Size {
					chain = append(chain, k)
				}
			}
		}
		for _, k := range chain {
			inEvicted[k] = true
			evicted = append(evicted, k)
			total -= k.VmemSmooth
		}
	}
	if len(evicted) == 0 {
		return
	}

	for _, k := range evicted {
		delete(p.active, k.Slot)
		k.terminate(p.cfg.KillGrace)
		k.cmd = nil
		k.state = jobWaiting
		k.Slot = -1
		p.stat.Counter(stats.PoolJobsEvictedCounter).Inc(1)
		log.WithFields(log.Fields{
			"jobName":  k.JobName,
			"category": k.Category,
			"size":     uint64(k.Size),
			"vmem":     k.VmemSmooth,
			"pool":     p.tag,
		}).Info("Job evicted for memory pressure, deferred")
	}

	// Push to the queue front largest first, so the head ends up smallest.
	sort.SliceStable(evicted, func(a, b int) bool { return evicted[a].Size > evicted[b].Size })
	for _, k := range evicted {
		p.waiting = append([]*Job{k}, p.waiting...)
	}

	if p.curWorkers > 1 {
		p.curWorkers--
		log.WithFields(log.Fields{"pool": p.tag, "curWorkers": p.curWorkers}).Info("Worker count reduced under memory pressure")
	}
}

// sampleMem refreshes the job's smoothed memory high-water mark:
// max(sample, alpha*old + (1-alpha)*sample). A probe facility failure
// degrades the pool to unlimited mode with a one-time warning.
func (p *ExecPool) sampleMem(j *Job) {
	if !j.running() {
		return
	}
	mem, err := p.memUsage(j.Pid)
	if err != nil {
		if err == errProcNotFound {
			return // exited between poll and sample
		}
		if !p.probeDown {
			p.probeDown = true
			log.WithFields(log.Fields{"pool": p.tag}).Warnf(
				"Memory probe unavailable, pool degrades to unlimited mode: %v", err)
		}
		return
	}
	blend := p.cfg.SmoothAlpha*float64(j.VmemSmooth) + (1-p.cfg.SmoothAlpha)*float64(mem)
	if float64(mem) > blend {
		j.VmemSmooth = mem
	} else {
		j.VmemSmooth = uint64(blend)
	}
	p.stat.Gauge(stats.PoolMemUsageGauge).Update(int64(p.totalVmem()))
}

// runSync executes j inline on the caller, honoring timeout policy, and
// returns the final exit code.
func (p *ExecPool) runSync(j *Job) (int, error) {
	if err := j.start(0, p.cfg.Affinity); err != nil {
		p.mu.Lock()
		j.Rcode = int(cerrors.CodeOf(err))
		j.state = jobFinishedFail
		j.Tstop = time.Now()
		p.finished = append(p.finished, j)
		p.stat.Counter(stats.PoolJobsFailedCounter).Inc(1)
		var cbs []func()
		if tk := j.Task; tk != nil {
			if tk.noteFinished(false, j.Tstop) {
				cbs = append(cbs, func() { tk.Callbacks.OnDone(tk) })
			}
		}
		p.mu.Unlock()
		runAll(cbs)
		return -1, err
	}
	j.state = jobActive
	p.mu.Lock()
	var cbs []func()
	if tk := j.Task; tk != nil && tk.noteStarted(j.attemptStart) {
		cbs = append(cbs, func() { tk.Callbacks.OnStart(tk) })
	}
	p.mu.Unlock()
	runAll(cbs)
	runCallback(func() { j.Callbacks.OnStart(j) })
	if j.StartDelay > 0 {
		time.Sleep(j.StartDelay)
	}

	for {
		exited, rcode, err := j.poll()
		if err != nil {
			rcode = j.terminate(p.cfg.KillGrace)
			return p.finishSync(j, rcode, true), nil
		}
		if exited {
			return p.finishSync(j, rcode, false), nil
		}
		if j.Timeout > 0 && time.Since(j.attemptStart) > j.Timeout {
			if j.OnTimeout == TimeoutRestart {
				if err := j.restart(p.cfg.Affinity, p.cfg.KillGrace); err != nil {
					return p.finishSync(j, j.Rcode, true), nil
				}
				continue
			}
			rcode := j.terminate(p.cfg.KillGrace)
			return p.finishSync(j, rcode, true), nil
		}
		time.Sleep(syncPollInterval)
	}
}

func (p *ExecPool) finishSync(j *Job, rcode int, terminated bool) int {
	p.mu.Lock()
	cbs := p.finishJob(j, rcode, time.Now(), terminated)
	p.updateGauges()
	p.mu.Unlock()
	runAll(cbs)
	return rcode
}

// recordDone remembers the smoothed memory of a successful job so later
// admissions of the same category can be budgeted.
func (p *ExecPool) recordDone(j *Job) {
	if j.Category == "" || j.VmemSmooth == 0 {
		return
	}
	p.doneByCategory[j.Category] = append(p.doneByCategory[j.Category], sizeVmem{j.Size, j.VmemSmooth})
}

// predictedVmem estimates a job's footprint for admission: its own
// observed high-water mark when it ran before (eviction re-admission), else
// the record of the largest completed same-category job with size <= its
// size. First admission of a category predicts 0.
func (p *ExecPool) predictedVmem(j *Job) uint64 {
	if j.VmemSmooth > 0 {
		return j.VmemSmooth
	}
	if j.Category == "" {
		return 0
	}
	var best *sizeVmem
	for i := range p.doneByCategory[j.Category] {
		r := &p.doneByCategory[j.Category][i]
		if r.size > j.Size {
			continue
		}
		if best == nil || r.size > best.size || (r.size == best.size && r.vmem > best.vmem) {
			best = r
		}
	}
	if best == nil {
		return 0
	}
	return best.vmem
}

// fitsBudget decides admission. With no limit or a downed probe everything
// fits; with an empty active set the job is admitted regardless so the pool
// always makes forward progress.
func (p *ExecPool) fitsBudget(j *Job) bool {
	if p.cfg.VMLimit == 0 || p.probeDown {
		return true
	}
	if len(p.active) == 0 {
		return true
	}
	return p.totalVmem()+p.predictedVmem(j) <= p.cfg.VMLimit
}

func (p *ExecPool) totalVmem() uint64 {
	var total uint64
	for _, j := range p.active {
		total += j.VmemSmooth
	}
	return total
}

// freeSlot returns the lowest slot index below the current worker count not
// occupied by an active job.
func (p *ExecPool) freeSlot() (int, bool) {
	for slot := 0; slot < p.curWorkers; slot++ {
		if _, busy := p.active[slot]; !busy {
			return slot, true
		}
	}
	return -1, false
}

func (p *ExecPool) registerTask(j *Job) {
	if j.Task == nil || p.taskSeen[j.Task] {
		return
	}
	p.taskSeen[j.Task] = true
	p.tasks = append(p.tasks, j.Task)
}

// CurWorkers reports the dynamically reduced worker count.
func (p *ExecPool) CurWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curWorkers
}

// NumActive reports the size of the active set.
func (p *ExecPool) NumActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// NumWaiting reports the length of the waiting queue.
func (p *ExecPool) NumWaiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

func (p *ExecPool) updateGauges() {
	p.stat.Gauge(stats.PoolActiveJobsGauge).Update(int64(len(p.active)))
	p.stat.Gauge(stats.PoolWaitingJobsGauge).Update(int64(len(p.waiting)))
	p.stat.Gauge(stats.PoolWorkersGauge).Update(int64(p.curWorkers))
}

func runAll(cbs []func()) {
	for _, cb := range cbs {
		runCallback(cb)
	}
}

// Callback panics are contained and logged: a failing OnDone neither undoes
// the job's completion nor takes down the supervisor.
func runCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Callback panicked: %v", r)
		}
	}()
	cb()
}
