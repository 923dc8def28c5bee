package errors

// ExitCodeError pairs an error with the exit code the embedding binary
// should finish with. A nil *ExitCodeError reports exit code 0.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

// CodeOf extracts the exit code from err, defaulting to
// AbnormalShutdownExitCode for errors that don't carry one.
func CodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	if ece, ok := err.(*ExitCodeError); ok {
		return ece.GetExitCode()
	}
	return AbnormalShutdownExitCode
}
