package pool

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/execd/execpool/affinity"
	"github.com/execd/execpool/common/errors"
	"github.com/execd/execpool/common/log/tags"
)

// TimeoutPolicy selects what the supervisor does when a job exceeds its
// timeout.
type TimeoutPolicy int

const (
	// Kill the job; it finishes failed and counts under its task's
	// terminations.
	TimeoutTerminate TimeoutPolicy = iota
	// Re-spawn the job in place with identical arguments.
	TimeoutRestart
)

// Size orders jobs within a category for chained rescheduling. SizeUnknown
// disables chaining for the job: unknowns are never compared.
type Size uint64

const SizeUnknown Size = 0

func (s Size) Known() bool {
	return s != SizeUnknown
}

// Callbacks run on the supervisor goroutine and must not block; a slow
// callback stalls the whole pool. OnDone fires only on exit code 0.
type Callbacks interface {
	OnStart(*Job)
	OnDone(*Job)
}

type NopCallbacks struct{}

func (NopCallbacks) OnStart(*Job) {}
func (NopCallbacks) OnDone(*Job)  {}

// Stdio selects the redirection target of one child stream. The zero value
// inherits the parent handle.
type Stdio struct {
	// Path appends to the named file, preserving prior output across
	// restarts and evictions.
	Path string
	// Merge (stderr only) writes into the stdout target.
	Merge bool
	// Discard drops the stream.
	Discard bool
}

type jobState int

const (
	jobUnsubmitted jobState = iota
	jobWaiting
	jobActive
	jobFinishedOK
	jobFinishedFail
)

// Job is one external process with lifecycle hooks and resource constraints.
// Construct with NewJob, adjust the exported configuration fields, then hand
// it to ExecPool.Execute. The runtime fields below Tstart are owned by the
// pool and are read-only for callers (valid inside callbacks and after Join).
type Job struct {
	Name    string
	Argv    []string // empty: a stub that only runs callbacks
	Workdir string
	Env     map[string]string

	Timeout    time.Duration // per-attempt wall clock, 0 = unbounded
	OnTimeout  TimeoutPolicy
	StartDelay time.Duration // supervisor-side sleep after spawn

	Task      *Task
	Callbacks Callbacks

	Category string  // classification tag, required for chaining
	Size     Size    // ordering key within the category
	Slowdown float64 // expected runtime multiplier vs. baseline

	Stdout       Stdio
	Stderr       Stdio
	OmitAffinity bool // skip pinning, for multi-threaded workers

	tags.LogTags

	// Runtime fields set by the pool.
	Tstart          time.Time // first attempt
	Tstop           time.Time // final exit
	Pid             int
	Slot            int
	VmemSmooth      uint64 // smoothed high-water resident+shared bytes
	Rcode           int
	NumTerminations int

	state        jobState
	attemptStart time.Time
	cmd          *exec.Cmd
	stdoutF      *os.File
	stderrF      *os.File
	reaped       bool
}

func NewJob(name string, argv ...string) *Job {
	return &Job{
		Name:      name,
		Argv:      argv,
		Slowdown:  1,
		Callbacks: NopCallbacks{},
		Slot:      -1,
		LogTags:   tags.LogTags{JobName: name},
	}
}

func (j *Job) validate() error {
	var msg string
	switch {
	case j.Name == "":
		msg = "job name must not be empty"
	case j.Timeout < 0:
		msg = "job timeout must be non-negative"
	case j.Slowdown <= 0:
		msg = "job slowdown must be positive"
	case j.Stdout.Merge:
		msg = "stdout cannot merge into itself"
	case j.state != jobUnsubmitted:
		msg = "job was already submitted"
	}
	if msg != "" {
		return errors.NewError(errInvalid(msg), errors.ConfigInvalidExitCode)
	}
	return nil
}

// start spawns the child in its own process group, redirects stdio, applies
// CPU affinity and records the attempt time. Stub jobs (empty argv) only
// mark themselves started; they complete on the next poll.
func (j *Job) start(slot int, afn affinity.Map) error {
	j.Slot = slot
	now := time.Now()
	j.attemptStart = now
	if j.Tstart.IsZero() {
		j.Tstart = now
	}
	if len(j.Argv) == 0 {
		j.cmd = nil
		j.reaped = false
		return nil
	}

	stdout, stderr, err := j.openStdio()
	if err != nil {
		return errors.NewError(err, errors.StdioFailedExitCode)
	}

	cmd := exec.Command(j.Argv[0], j.Argv[1:]...)
	cmd.Dir = j.Workdir
	// Parent environment plus whatever additional env vars are provided.
	cmd.Env = os.Environ()
	for k, v := range j.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Sets pgid of all child processes to cmd's pid, so terminate can reach
	// the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		j.closeStdio()
		return errors.NewError(err, errors.SpawnFailedExitCode)
	}
	j.cmd = cmd
	j.Pid = cmd.Process.Pid
	j.reaped = false

	if !j.OmitAffinity && afn.Enabled() {
		if err := afn.Pin(j.Pid, slot); err != nil {
			log.WithFields(log.Fields{
				"pid":     j.Pid,
				"slot":    slot,
				"jobName": j.JobName,
				"tag":     j.Tag,
			}).Warn(err)
		}
	}
	return nil
}

// openStdio resolves the configured targets to *os.File so os/exec connects
// the child directly, keeping handle ownership deterministic.
func (j *Job) openStdio() (stdout, stderr *os.File, err error) {
	stdout, owned, err := openTarget(j.Stdout, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	if owned {
		j.stdoutF = stdout
	}
	if j.Stderr.Merge {
		return stdout, stdout, nil
	}
	stderr, owned, err = openTarget(j.Stderr, os.Stderr)
	if err != nil {
		j.closeStdio()
		return nil, nil, err
	}
	if owned {
		j.stderrF = stderr
	}
	return stdout, stderr, nil
}

func openTarget(t Stdio, inherit *os.File) (f *os.File, owned bool, err error) {
	switch {
	case t.Discard:
		return nil, false, nil // os/exec opens the null device itself
	case t.Path != "":
		f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return f, true, err
	default:
		return inherit, false, nil
	}
}

func (j *Job) closeStdio() {
	if j.stdoutF != nil {
		j.stdoutF.Close()
		j.stdoutF = nil
	}
	if j.stderrF != nil {
		j.stderrF.Close()
		j.stderrF = nil
	}
}

// poll reaps the child if it exited, without blocking. On reap it records
// Rcode (negative signal number for signaled exits) and closes stdio.
func (j *Job) poll() (exited bool, rcode int, err error) {
	if j.reaped {
		return true, j.Rcode, nil
	}
	if j.cmd == nil { // stub
		j.finishAttempt(0)
		return true, 0, nil
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(j.Pid, &ws, unix.WNOHANG, nil)
	for err == unix.EINTR {
		wpid, err = unix.Wait4(j.Pid, &ws, unix.WNOHANG, nil)
	}
	if err != nil {
		if err == unix.ECHILD {
			// Reaped elsewhere; treat the recorded code as final.
			j.finishAttempt(j.Rcode)
			return true, j.Rcode, nil
		}
		return false, 0, err
	}
	if wpid == 0 {
		return false, 0, nil
	}
	rcode = 0
	if ws.Exited() {
		rcode = ws.ExitStatus()
	} else if ws.Signaled() {
		rcode = -int(ws.Signal())
	}
	j.finishAttempt(rcode)
	return true, rcode, nil
}

func (j *Job) finishAttempt(rcode int) {
	j.reaped = true
	j.Rcode = rcode
	j.closeStdio()
}

// terminate sends SIGTERM to the job's process group, waits up to grace for
// a voluntary exit, then SIGKILLs. Safe on jobs that already exited; counts
// the kill in NumTerminations when a live process was taken down.
func (j *Job) terminate(grace time.Duration) int {
	if j.cmd == nil || j.reaped {
		j.closeStdio()
		return j.Rcode
	}
	j.NumTerminations++
	pgid := j.Pid // Setpgid made the child its own group leader
	unix.Kill(-pgid, unix.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if exited, rcode, _ := j.poll(); exited {
			return rcode
		}
		time.Sleep(20 * time.Millisecond)
	}

	log.WithFields(log.Fields{
		"pid":     j.Pid,
		"jobName": j.JobName,
		"tag":     j.Tag,
	}).Info("Command survived SIGTERM grace period, sending SIGKILL")
	unix.Kill(-pgid, unix.SIGKILL)
	for {
		exited, rcode, err := j.poll()
		if exited {
			return rcode
		}
		if err != nil {
			j.finishAttempt(-int(unix.SIGKILL))
			return j.Rcode
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// restart kills the current attempt if still live and re-spawns with
// identical arguments. Tstart keeps the first attempt's time; stdio file
// targets are re-opened in append mode.
func (j *Job) restart(afn affinity.Map, grace time.Duration) error {
	j.terminate(grace)
	j.cmd = nil
	return j.start(j.Slot, afn)
}

// running reports whether the job has a live child process.
func (j *Job) running() bool {
	return j.cmd != nil && !j.reaped
}

type errInvalid string

func (e errInvalid) Error() string {
	return string(e)
}
