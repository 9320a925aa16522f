package engine

import "fmt"

// Stages reported by ExecutionError.
const (
	StageLoad       = "loading"
	StagePreprocess = "preprocessing"
	StageTranscribe = "transcribing"
	StageDecode     = "decoding"
)

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// ExecutionError wraps every engine failure with the stage it happened in.
type ExecutionError struct {
	Stage      string
	Message    string
	CommandLog CommandLog
	Err        error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Message)
	if e.CommandLog.Command != "" {
		msg = fmt.Sprintf("%s (cmd=%s exit=%d)", msg, e.CommandLog.Command, e.CommandLog.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
