package models

import "time"

// CommandResult is the outcome of executing one Command. It shares the
// command's id, is written by exactly one executor, and is never mutated.
type CommandResult struct {
	CommandID       string    `json:"command_id"`
	Success         bool      `json:"success"`
	Output          string    `json:"output"`
	Error           *string   `json:"error"`
	ExitCode        *int      `json:"exit_code"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	StoredAt        time.Time `json:"stored_at,omitempty"`
}

// FailureResult builds a failed result with the given error message.
// Used for validation rejections and transport-level synthesized failures
// where no subprocess ever ran.
func FailureResult(commandID, errMsg string, executionTime time.Duration) CommandResult {
	msg := errMsg
	return CommandResult{
		CommandID:       commandID,
		Success:         false,
		Output:          "",
		Error:           &msg,
		ExecutionTimeMS: executionTime.Milliseconds(),
	}
}
