package pool

import (
	"time"

	"github.com/execd/execpool/observe"
)

// Memory kinds reported in snapshot entries: smoothed samples of a live
// process tree vs. an admission-time estimate.
const (
	memKindSmooth    = "vmsmooth"
	memKindPredicted = "predicted"
)

// FailuresSnapshot lists finished jobs with a non-zero exit code and tasks
// having at least one failed job.
func (p *ExecPool) FailuresSnapshot() []observe.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var items []observe.Item
	for _, j := range p.finished {
		if j.state == jobFinishedFail && j.Rcode != 0 {
			items = append(items, p.jobItem(j, now))
		}
	}
	for _, t := range p.tasks {
		if t.NumTerm > 0 {
			items = append(items, taskItem(t, now))
		}
	}
	return items
}

// JobsSnapshot lists non-finished jobs: active first, then the waiting
// queue in FIFO order.
func (p *ExecPool) JobsSnapshot() []observe.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var items []observe.Item
	for slot := 0; slot < p.cfg.Workers; slot++ {
		if j, ok := p.active[slot]; ok {
			items = append(items, p.jobItem(j, now))
		}
	}
	for _, j := range p.waiting {
		items = append(items, p.jobItem(j, now))
	}
	return items
}

// TasksSnapshot lists tasks whose first descendant job has started.
func (p *ExecPool) TasksSnapshot() []observe.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var items []observe.Item
	for _, t := range p.tasks {
		if t.started {
			items = append(items, taskItem(t, now))
		}
	}
	return items
}

// jobItem builds the property bag for one job. Absent properties matter to
// the predicate language, so fields are only set when they carry a value.
func (p *ExecPool) jobItem(j *Job, now time.Time) observe.Item {
	it := observe.Item{"name": j.Name}
	if j.Category != "" {
		it["category"] = j.Category
	}
	if j.Task != nil {
		it["task"] = j.Task.Name
	}
	if !j.Tstart.IsZero() {
		it["tstart"] = unixSeconds(j.Tstart)
	}
	switch j.state {
	case jobActive:
		it["pid"] = j.Pid
		it["duration"] = now.Sub(j.Tstart).Seconds()
		if j.VmemSmooth > 0 {
			it["memkind"] = memKindSmooth
			it["memsize"] = j.VmemSmooth
		}
	case jobWaiting:
		if pred := p.predictedVmem(j); pred > 0 {
			it["memkind"] = memKindPredicted
			it["memsize"] = pred
		}
	case jobFinishedOK, jobFinishedFail:
		it["rcode"] = j.Rcode
		if !j.Tstop.IsZero() {
			it["tstop"] = unixSeconds(j.Tstop)
			it["duration"] = j.Tstop.Sub(j.Tstart).Seconds()
		}
		if j.VmemSmooth > 0 {
			it["memkind"] = memKindSmooth
			it["memsize"] = j.VmemSmooth
		}
	}
	return it
}

func taskItem(t *Task, now time.Time) observe.Item {
	it := observe.Item{
		"name":     t.Name,
		"numadded": t.NumAdded,
		"numdone":  t.NumDone,
		"numterm":  t.NumTerm,
	}
	if !t.Tstart.IsZero() {
		it["tstart"] = unixSeconds(t.Tstart)
		if !t.Tstop.IsZero() {
			it["tstop"] = unixSeconds(t.Tstop)
			it["duration"] = t.Tstop.Sub(t.Tstart).Seconds()
		} else {
			it["duration"] = now.Sub(t.Tstart).Seconds()
		}
	}
	return it
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
