// Package config loads a pool and its jobs from a YAML description, the
// format consumed by the execpool binary.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/execd/execpool/affinity"
	cerrors "github.com/execd/execpool/common/errors"
	"github.com/execd/execpool/common/stats"
	"github.com/execd/execpool/pool"
)

// Pool mirrors pool.Config in file-friendly units (seconds, gigabytes).
type Pool struct {
	Workers      int     `yaml:"workers"`
	AffinityStep int     `yaml:"affinityStep"`
	CoreThreads  int     `yaml:"coreThreads"`
	NumaNodes    int     `yaml:"numaNodes"`
	CrossNodes   bool    `yaml:"crossNodes"`
	VMLimitGB    float64 `yaml:"vmLimitGb"`
	LatencyS     float64 `yaml:"latencyS"`
	KillGraceS   float64 `yaml:"killGraceS"`
	NoChaining   bool    `yaml:"noChaining"`
	HTTPAddr     string  `yaml:"httpAddr"`
}

type Task struct {
	Name     string  `yaml:"name"`
	TimeoutS float64 `yaml:"timeoutS"`
	Stdout   string  `yaml:"stdout"`
	Stderr   string  `yaml:"stderr"`
}

type Job struct {
	Name         string            `yaml:"name"`
	Argv         []string          `yaml:"argv"`
	Workdir      string            `yaml:"workdir"`
	Env          map[string]string `yaml:"env"`
	TimeoutS     float64           `yaml:"timeoutS"`
	OnTimeout    string            `yaml:"onTimeout"` // "terminate" (default) or "restart"
	StartDelayS  float64           `yaml:"startDelayS"`
	Task         string            `yaml:"task"`
	Category     string            `yaml:"category"`
	Size         uint64            `yaml:"size"`
	Slowdown     float64           `yaml:"slowdown"`
	Stdout       string            `yaml:"stdout"`
	Stderr       string            `yaml:"stderr"` // path or "merge"
	OmitAffinity bool              `yaml:"omitAffinity"`
}

type File struct {
	Pool  Pool   `yaml:"pool"`
	Tasks []Task `yaml:"tasks"`
	Jobs  []Job  `yaml:"jobs"`
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewError(err, cerrors.ConfigInvalidExitCode)
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, cerrors.NewError(errors.Wrap(err, "parsing pool config"), cerrors.ConfigInvalidExitCode)
	}
	if err := f.validate(); err != nil {
		return nil, cerrors.NewError(err, cerrors.ConfigInvalidExitCode)
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1, got %d", f.Pool.Workers)
	}
	if f.Pool.VMLimitGB < 0 || f.Pool.LatencyS < 0 || f.Pool.KillGraceS < 0 {
		return fmt.Errorf("pool durations and limits must be non-negative")
	}
	taskNames := map[string]bool{}
	for _, t := range f.Tasks {
		if t.Name == "" {
			return fmt.Errorf("every task needs a name")
		}
		if taskNames[t.Name] {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		taskNames[t.Name] = true
	}
	jobNames := map[string]bool{}
	for _, j := range f.Jobs {
		if j.Name == "" {
			return fmt.Errorf("every job needs a name")
		}
		if jobNames[j.Name] {
			return fmt.Errorf("duplicate job name %q", j.Name)
		}
		jobNames[j.Name] = true
		if j.Task != "" && !taskNames[j.Task] {
			return fmt.Errorf("job %q references undefined task %q", j.Name, j.Task)
		}
		switch j.OnTimeout {
		case "", "terminate", "restart":
		default:
			return fmt.Errorf("job %q: onTimeout must be terminate or restart, got %q", j.Name, j.OnTimeout)
		}
		if j.Stdout == "merge" {
			return fmt.Errorf("job %q: stdout cannot merge into itself", j.Name)
		}
	}
	return nil
}

// PoolConfig converts the file units into a pool.Config.
func (f *File) PoolConfig(stat stats.StatsReceiver) pool.Config {
	return pool.Config{
		Workers: f.Pool.Workers,
		Affinity: affinity.Map{
			Step:        f.Pool.AffinityStep,
			CoreThreads: f.Pool.CoreThreads,
			Nodes:       f.Pool.NumaNodes,
			CrossNodes:  f.Pool.CrossNodes,
		},
		VMLimit:         uint64(f.Pool.VMLimitGB * float64(1<<30)),
		Latency:         seconds(f.Pool.LatencyS),
		KillGrace:       seconds(f.Pool.KillGraceS),
		DisableChaining: f.Pool.NoChaining,
		Stat:            stat,
	}
}

// BuildJobs materializes the declared tasks and jobs, wiring job->task
// links. Jobs come back in declaration order, ready for Execute.
func (f *File) BuildJobs() ([]*pool.Job, map[string]*pool.Task, error) {
	tasks := map[string]*pool.Task{}
	for _, tc := range f.Tasks {
		t := pool.NewTask(tc.Name)
		t.Timeout = seconds(tc.TimeoutS)
		t.Stdout = stdio(tc.Stdout)
		t.Stderr = stdio(tc.Stderr)
		tasks[tc.Name] = t
	}
	var jobs []*pool.Job
	for _, jc := range f.Jobs {
		j := pool.NewJob(jc.Name, jc.Argv...)
		j.Workdir = jc.Workdir
		j.Env = jc.Env
		j.Timeout = seconds(jc.TimeoutS)
		if jc.OnTimeout == "restart" {
			j.OnTimeout = pool.TimeoutRestart
		}
		j.StartDelay = seconds(jc.StartDelayS)
		j.Category = jc.Category
		j.Size = pool.Size(jc.Size)
		if jc.Slowdown > 0 {
			j.Slowdown = jc.Slowdown
		}
		j.Stdout = stdio(jc.Stdout)
		j.Stderr = stdio(jc.Stderr)
		j.OmitAffinity = jc.OmitAffinity
		if jc.Task != "" {
			tasks[jc.Task].AddJob(j)
		}
		jobs = append(jobs, j)
	}
	return jobs, tasks, nil
}

func stdio(target string) pool.Stdio {
	switch target {
	case "":
		return pool.Stdio{}
	case "merge":
		return pool.Stdio{Merge: true}
	case "discard":
		return pool.Stdio{Discard: true}
	default:
		return pool.Stdio{Path: target}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
