package models

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further status writes are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// JobType selects what the engine does with the media.
type JobType string

const (
	JobTypeTranscribe JobType = "transcribe"
	JobTypeTranslate  JobType = "translate"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeTranscribe || t == JobTypeTranslate
}

// Priority orders queued jobs at claim time.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Rank returns the claim order of p, lower first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// MaxCallbackMessageLength bounds the stored callback response body.
const MaxCallbackMessageLength = 512

// Job represents one transcription or translation request and its lifecycle
type Job struct {
	ID                 string         `json:"id"`
	JobType            JobType        `json:"job_type"`
	Priority           Priority       `json:"priority"`
	Status             JobStatus      `json:"status"`
	EngineName         string         `json:"engine_name"`
	FilePath           string         `json:"file_path"`
	FileURL            string         `json:"file_url"`
	FileName           string         `json:"file_name"`
	SizeBytes          int64          `json:"size_bytes"`
	Duration           float64        `json:"duration"`
	Language           string         `json:"language"`
	DecodeOptions      map[string]any `json:"decode_options"`
	Result             map[string]any `json:"result"`
	ErrorMessage       string         `json:"error_message"`
	CallbackURL        string         `json:"callback_url"`
	CallbackMethod     string         `json:"callback_method"`
	CallbackStatusCode *int           `json:"callback_status_code"`
	CallbackMessage    string         `json:"callback_message"`
	CallbackTime       *time.Time     `json:"callback_time"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ProcessingTime     *float64       `json:"processing_time"`
	OutputURL          string         `json:"output_url"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.DecodeOptions = cloneMap(j.DecodeOptions)
	c.Result = cloneMap(j.Result)
	if j.CallbackStatusCode != nil {
		v := *j.CallbackStatusCode
		c.CallbackStatusCode = &v
	}
	if j.CallbackTime != nil {
		v := *j.CallbackTime
		c.CallbackTime = &v
	}
	if j.ProcessingTime != nil {
		v := *j.ProcessingTime
		c.ProcessingTime = &v
	}
	return &c
}

// InputRef returns the path or URL the engine should read.
func (j *Job) InputRef() string {
	if j.FilePath != "" {
		return j.FilePath
	}
	return j.FileURL
}

// ErrInvalidTransition is returned when an update would move status backward,
// skip processing, or rewrite a terminal job.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrInvalidUpdate is returned when an update breaks result/error exclusivity.
var ErrInvalidUpdate = errors.New("invalid job update")

// CanTransition enforces queued -> processing -> {completed, failed}.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// StatusUpdate lists every field the scheduler may write on a job.
type StatusUpdate struct {
	Status         JobStatus
	Result         map[string]any
	ErrorMessage   string
	Language       string
	ProcessingTime *float64
}

// Validate checks the update against the job's current status.
func (u StatusUpdate) Validate(from JobStatus) error {
	if !CanTransition(from, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, u.Status)
	}
	switch u.Status {
	case StatusProcessing:
		if u.Result != nil || u.ErrorMessage != "" {
			return fmt.Errorf("%w: processing carries no outcome", ErrInvalidUpdate)
		}
	case StatusCompleted:
		if u.Result == nil {
			return fmt.Errorf("%w: completed requires a result", ErrInvalidUpdate)
		}
		if u.ErrorMessage != "" {
			return fmt.Errorf("%w: completed cannot carry an error message", ErrInvalidUpdate)
		}
	case StatusFailed:
		if u.ErrorMessage == "" {
			return fmt.Errorf("%w: failed requires an error message", ErrInvalidUpdate)
		}
		if u.Result != nil {
			return fmt.Errorf("%w: failed cannot carry a result", ErrInvalidUpdate)
		}
	}
	return nil
}

// Apply writes the update onto j. Callers validate first.
func (u StatusUpdate) Apply(j *Job, now time.Time) {
	j.Status = u.Status
	if u.Result != nil {
		j.Result = cloneMap(u.Result)
	}
	if u.ErrorMessage != "" {
		j.ErrorMessage = u.ErrorMessage
	}
	if u.Language != "" {
		j.Language = u.Language
	}
	if u.ProcessingTime != nil {
		v := *u.ProcessingTime
		j.ProcessingTime = &v
	}
	j.UpdatedAt = now
}

// CallbackUpdate lists every field the notifier may write on a job.
type CallbackUpdate struct {
	StatusCode int
	Message    string
	Time       time.Time
}

// Apply writes the callback delivery outcome onto j without touching status.
func (u CallbackUpdate) Apply(j *Job) {
	code := u.StatusCode
	t := u.Time
	j.CallbackStatusCode = &code
	j.CallbackMessage = TruncateCallbackMessage(u.Message)
	j.CallbackTime = &t
}

// TruncateCallbackMessage cuts msg to MaxCallbackMessageLength characters.
func TruncateCallbackMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxCallbackMessageLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxCallbackMessageLength])
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
