package pool

import "time"

// TaskCallbacks run on the supervisor goroutine and must not block.
type TaskCallbacks interface {
	OnStart(*Task)
	OnDone(*Task)
}

type NopTaskCallbacks struct{}

func (NopTaskCallbacks) OnStart(*Task) {}
func (NopTaskCallbacks) OnDone(*Task)  {}

// Task is a named aggregate of jobs sharing lifecycle and completion
// accounting. The job->task link is a lookup relationship, not ownership:
// the caller keeps the task alive until the counters close.
//
// A task starts implicitly when its first job enters the active set and
// completes when NumDone+NumTerm == NumAdded with no pending jobs attached.
type Task struct {
	Name      string
	Timeout   time.Duration // applies from the task's start to all its jobs
	Callbacks TaskCallbacks
	Stdout    Stdio // default stdio targets for attached jobs
	Stderr    Stdio

	// Runtime fields set by the pool.
	Tstart   time.Time
	Tstop    time.Time
	NumAdded int // jobs ever attached
	NumDone  int // successful exits
	NumTerm  int // terminated or failed

	pending   int
	started   bool
	completed bool
}

func NewTask(name string) *Task {
	return &Task{Name: name, Callbacks: NopTaskCallbacks{}}
}

// AddJob attaches j to the task and returns j for chaining. Jobs without
// their own stdio targets inherit the task's.
func (t *Task) AddJob(j *Job) *Job {
	j.Task = t
	j.TaskName = t.Name
	if j.Stdout == (Stdio{}) {
		j.Stdout = t.Stdout
	}
	if j.Stderr == (Stdio{}) {
		j.Stderr = t.Stderr
	}
	t.NumAdded++
	t.pending++
	return j
}

// noteStarted records the first job of the task entering the active set.
// Returns true when the caller should fire OnStart.
func (t *Task) noteStarted(now time.Time) bool {
	if t.started {
		return false
	}
	t.started = true
	t.Tstart = now
	return true
}

// noteFinished updates the counters for one finished job. Returns true when
// this finish completed the task and the caller should fire OnDone.
func (t *Task) noteFinished(ok bool, now time.Time) bool {
	if ok {
		t.NumDone++
	} else {
		t.NumTerm++
	}
	t.pending--
	if t.completed || t.pending > 0 || t.NumDone+t.NumTerm != t.NumAdded {
		return false
	}
	t.completed = true
	t.Tstop = now
	return true
}

// expired reports whether the task's own timeout has passed.
func (t *Task) expired(now time.Time) bool {
	return t.Timeout > 0 && t.started && now.Sub(t.Tstart) > t.Timeout
}
