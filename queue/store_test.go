package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/transcribe-queue/models"
)

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newJob := func(id string, p models.Priority, offset time.Duration) *models.Job {
		return &models.Job{
			ID:            id,
			JobType:       models.JobTypeTranscribe,
			Priority:      p,
			Status:        models.StatusQueued,
			EngineName:    "whisper_cpp",
			FilePath:      "/tmp/" + id + ".wav",
			FileName:      id + ".wav",
			DecodeOptions: map[string]any{"language": "en"},
			CallbackURL:   "http://example.invalid/hook",
			CreatedAt:     base.Add(offset),
		}
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		id, err := s.CreateJob(ctx, newJob("a", models.PriorityNormal, 0))
		require.NoError(t, err)
		assert.Equal(t, "a", id)

		got, err := s.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Equal(t, "en", got.DecodeOptions["language"])
		assert.Equal(t, "/tmp/a.wav", got.FilePath)
		assert.Empty(t, got.FileURL)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.CallbackStatusCode)

		_, err = s.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("claim takes limit in priority then creation order", func(t *testing.T) {
		s := newStore(t)
		for _, j := range []*models.Job{
			newJob("old-low", models.PriorityLow, 0),
			newJob("mid-normal", models.PriorityNormal, time.Minute),
			newJob("new-high", models.PriorityHigh, 2*time.Minute),
		} {
			_, err := s.CreateJob(ctx, j)
			require.NoError(t, err)
		}

		queued, err := s.GetQueuedJobs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, queued, 3)
		assert.Equal(t, "new-high", queued[0].ID)

		claimed, err := s.ClaimQueuedJobs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "new-high", claimed[0].ID)
		assert.Equal(t, "mid-normal", claimed[1].ID)
		for _, j := range claimed {
			assert.Equal(t, models.StatusProcessing, j.Status)
		}

		left, err := s.GetQueuedJobs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "old-low", left[0].ID)

		again, err := s.ClaimQueuedJobs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, "old-low", again[0].ID)

		none, err := s.ClaimQueuedJobs(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("status updates are forward only", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateJob(ctx, newJob("j", models.PriorityNormal, 0))
		require.NoError(t, err)

		_, err = s.UpdateJob(ctx, "j", models.StatusUpdate{Status: models.StatusCompleted, Result: map[string]any{"text": "x"}})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		_, err = s.ClaimQueuedJobs(ctx, 1)
		require.NoError(t, err)

		_, err = s.UpdateJob(ctx, "j", models.StatusUpdate{Status: models.StatusCompleted})
		assert.ErrorIs(t, err, models.ErrInvalidUpdate)

		elapsed := 1.25
		done, err := s.UpdateJob(ctx, "j", models.StatusUpdate{
			Status:         models.StatusCompleted,
			Result:         map[string]any{"text": "hello"},
			Language:       "en",
			ProcessingTime: &elapsed,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, done.Status)
		assert.Equal(t, "hello", done.Result["text"])
		assert.Empty(t, done.ErrorMessage)
		require.NotNil(t, done.ProcessingTime)
		assert.Equal(t, 1.25, *done.ProcessingTime)

		_, err = s.UpdateJob(ctx, "j", models.StatusUpdate{Status: models.StatusFailed, ErrorMessage: "late"})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		got, err := s.GetJob(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Empty(t, got.ErrorMessage)

		_, err = s.UpdateJob(ctx, "missing", models.StatusUpdate{Status: models.StatusProcessing})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("callback status leaves job status", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateJob(ctx, newJob("cb", models.PriorityNormal, 0))
		require.NoError(t, err)
		_, err = s.ClaimQueuedJobs(ctx, 1)
		require.NoError(t, err)
		_, err = s.UpdateJob(ctx, "cb", models.StatusUpdate{Status: models.StatusFailed, ErrorMessage: "boom"})
		require.NoError(t, err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		long := make([]byte, 700)
		for i := range long {
			long[i] = 'z'
		}
		require.NoError(t, s.UpdateCallbackStatus(ctx, "cb", models.CallbackUpdate{StatusCode: 502, Message: string(long), Time: at}))

		got, err := s.GetJob(ctx, "cb")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.CallbackStatusCode)
		assert.Equal(t, 502, *got.CallbackStatusCode)
		assert.Len(t, got.CallbackMessage, models.MaxCallbackMessageLength)
		require.NotNil(t, got.CallbackTime)
		assert.WithinDuration(t, at, *got.CallbackTime, time.Millisecond)

		err = s.UpdateCallbackStatus(ctx, "missing", models.CallbackUpdate{StatusCode: 200})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("list and delete", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 4; i++ {
			_, err := s.CreateJob(ctx, newJob(fmt.Sprintf("l%d", i), models.PriorityNormal, time.Duration(i)*time.Second))
			require.NoError(t, err)
		}
		_, err := s.ClaimQueuedJobs(ctx, 1)
		require.NoError(t, err)

		all, err := s.ListJobs(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "l3", all[0].ID)

		processing, err := s.ListJobs(ctx, ListFilter{Status: models.StatusProcessing})
		require.NoError(t, err)
		require.Len(t, processing, 1)
		assert.Equal(t, "l0", processing[0].ID)

		page, err := s.ListJobs(ctx, ListFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "l2", page[0].ID)

		ok, err := s.DeleteJob(ctx, "l1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.DeleteJob(ctx, "l1")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.BulkDeleteJobs(ctx, []string{"l0", "l2", "nope"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		queued, err := s.GetQueuedJobs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, "l3", queued[0].ID)
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", fmt.Errorf("x: %w", ErrJobNotFound), false},
		{"invalid transition", models.ErrInvalidTransition, false},
		{"connection class", &pgconn.PgError{Code: "08006"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
