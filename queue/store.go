// Package queue persists jobs. The scheduler, the notifier and the
// submission service all go through Store.
package queue

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jupark12/transcribe-queue/models"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidUpdate = models.ErrInvalidUpdate
)

// ListFilter narrows ListJobs. Zero values mean no filter.
type ListFilter struct {
	Status models.JobStatus
	Limit  int
	Offset int
}

// Store is the persistence boundary. UpdateJob and UpdateCallbackStatus are
// the only mutations of an existing job and both enforce the update commands.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) (string, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// GetQueuedJobs lists queued jobs in claim order without changing them.
	GetQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error)
	// ClaimQueuedJobs atomically moves up to limit queued jobs to processing.
	ClaimQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error)
	UpdateJob(ctx context.Context, id string, update models.StatusUpdate) (*models.Job, error)
	UpdateCallbackStatus(ctx context.Context, id string, update models.CallbackUpdate) error
	ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	BulkDeleteJobs(ctx context.Context, ids []string) (int, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres SQLSTATE classes and codes worth retrying.
const (
	pgClassConnectionException = "08"
	pgErrSerializationFailure  = "40001"
	pgErrDeadlockDetected      = "40P01"
	pgErrAdminShutdown         = "57P01"
	pgErrCannotConnectNow      = "57P03"
	pgErrTooManyConnections    = "53300"
)

// IsTransient reports whether err is a persistence failure that may succeed
// on retry after reconnecting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrInvalidUpdate) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgClassConnectionException {
			return true
		}
		switch pgErr.Code {
		case pgErrSerializationFailure, pgErrDeadlockDetected, pgErrAdminShutdown,
			pgErrCannotConnectNow, pgErrTooManyConnections:
			return true
		}
		return false
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// lessForClaim orders jobs by priority rank then creation time.
func lessForClaim(a, b *models.Job) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
