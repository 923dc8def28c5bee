package stats

// Stat names published by the pool. Kept together so dashboards and tests
// reference one set of constants.
const (
	// Gauges
	PoolActiveJobsGauge  = "activeJobs"
	PoolWaitingJobsGauge = "waitingJobs"
	PoolWorkersGauge     = "curWorkers"
	PoolMemUsageGauge    = "memUsageBytes"

	// Counters
	PoolJobsStartedCounter    = "jobsStarted"
	PoolJobsDoneCounter       = "jobsDone"
	PoolJobsFailedCounter     = "jobsFailed"
	PoolJobsTerminatedCounter = "jobsTerminated"
	PoolJobsEvictedCounter    = "jobsEvicted"
	PoolJobsRestartedCounter  = "jobsRestarted"

	// Histograms
	PoolJobDurationHist = "jobDurationMs"
)
