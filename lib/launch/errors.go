package launch

import "errors"

var (
	// ErrNotExecutable is returned when the resolved program is not a regular
	// file the caller may execute.
	ErrNotExecutable = errors.New("not an executable file")

	// ErrNoExecution is returned when there is nothing to launch.
	ErrNoExecution = errors.New("no execution to launch")
)
