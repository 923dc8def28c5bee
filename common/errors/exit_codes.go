package errors

type ExitCode int

const (
	// Bad parameters at pool or job construction.
	ConfigInvalidExitCode ExitCode = 64

	// The OS refused to create the child process.
	SpawnFailedExitCode = 65

	// Could not open or redirect child stdio.
	StdioFailedExitCode = 66

	// OS-level memory accounting facility is absent.
	MemoryProbeUnavailableExitCode = 67

	// The global join deadline fired before the pool drained.
	DeadlineExceededExitCode = 68

	// Policy-driven termination: timeout or memory eviction.
	TerminatedExitCode = 69

	AbnormalShutdownExitCode = 70
)
