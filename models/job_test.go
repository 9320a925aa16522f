package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusFailed, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCompleted, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusUpdateValidate(t *testing.T) {
	elapsed := 1.5

	tests := []struct {
		name    string
		from    JobStatus
		update  StatusUpdate
		wantErr error
	}{
		{
			name:   "claim",
			from:   StatusQueued,
			update: StatusUpdate{Status: StatusProcessing},
		},
		{
			name:   "complete with result",
			from:   StatusProcessing,
			update: StatusUpdate{Status: StatusCompleted, Result: map[string]any{"text": "hi"}, ProcessingTime: &elapsed},
		},
		{
			name:    "complete without result",
			from:    StatusProcessing,
			update:  StatusUpdate{Status: StatusCompleted},
			wantErr: ErrInvalidUpdate,
		},
		{
			name:    "complete with error message",
			from:    StatusProcessing,
			update:  StatusUpdate{Status: StatusCompleted, Result: map[string]any{}, ErrorMessage: "boom"},
			wantErr: ErrInvalidUpdate,
		},
		{
			name:   "fail with message",
			from:   StatusProcessing,
			update: StatusUpdate{Status: StatusFailed, ErrorMessage: "boom"},
		},
		{
			name:    "fail with result",
			from:    StatusProcessing,
			update:  StatusUpdate{Status: StatusFailed, ErrorMessage: "boom", Result: map[string]any{}},
			wantErr: ErrInvalidUpdate,
		},
		{
			name:    "skip processing",
			from:    StatusQueued,
			update:  StatusUpdate{Status: StatusCompleted, Result: map[string]any{}},
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "rewrite terminal",
			from:    StatusCompleted,
			update:  StatusUpdate{Status: StatusFailed, ErrorMessage: "late"},
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate(tt.from)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestStatusUpdateApply(t *testing.T) {
	job := &Job{ID: "j1", Status: StatusProcessing}
	elapsed := 2.25
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	StatusUpdate{
		Status:         StatusCompleted,
		Result:         map[string]any{"text": "hello"},
		Language:       "en",
		ProcessingTime: &elapsed,
	}.Apply(job, now)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "hello", job.Result["text"])
	assert.Equal(t, "en", job.Language)
	require.NotNil(t, job.ProcessingTime)
	assert.Equal(t, 2.25, *job.ProcessingTime)
	assert.Equal(t, now, job.UpdatedAt)
	assert.Empty(t, job.ErrorMessage)
}

func TestCallbackUpdateLeavesStatus(t *testing.T) {
	job := &Job{ID: "j1", Status: StatusCompleted}
	now := time.Now()

	CallbackUpdate{StatusCode: 500, Message: strings.Repeat("x", 600), Time: now}.Apply(job)

	assert.Equal(t, StatusCompleted, job.Status)
	require.NotNil(t, job.CallbackStatusCode)
	assert.Equal(t, 500, *job.CallbackStatusCode)
	assert.Len(t, job.CallbackMessage, MaxCallbackMessageLength)
	require.NotNil(t, job.CallbackTime)
}

func TestTruncateCallbackMessageCountsRunes(t *testing.T) {
	msg := strings.Repeat("語", 513)
	got := TruncateCallbackMessage(msg)
	assert.Equal(t, MaxCallbackMessageLength, len([]rune(got)))

	assert.Equal(t, "short", TruncateCallbackMessage("short"))
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("").Rank())
}

func TestCloneIsIndependent(t *testing.T) {
	code := 200
	job := &Job{ID: "j1", DecodeOptions: map[string]any{"language": "en"}, CallbackStatusCode: &code}
	c := job.Clone()
	c.DecodeOptions["language"] = "de"
	*c.CallbackStatusCode = 404

	assert.Equal(t, "en", job.DecodeOptions["language"])
	assert.Equal(t, 200, *job.CallbackStatusCode)
}
