package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/queue/migrations"
)

const jobColumns = `id, job_type, priority, status, engine_name, file_path, file_url, file_name,
	size_bytes, duration, language, decode_options, result, error_message, callback_url,
	callback_method, callback_status_code, callback_message, callback_time, created_at,
	updated_at, processing_time, output_url`

const priorityOrder = `CASE priority WHEN 'high' THEN 0 WHEN 'low' THEN 2 ELSE 1 END`

// PostgresStore persists jobs in PostgreSQL through pgx.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore opens a pgx pool for dsn and checks connectivity.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStoreFromPool(pool, logger), nil
}

// NewPostgresStoreFromPool wraps an existing pool. The store owns it afterwards.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}

		sqlBytes, err := migrations.Files.ReadFile(file)
		if err != nil {
			return err
		}
		err = s.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
				return fmt.Errorf("record migration %s: %w", file, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", file)
	}
	return nil
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// CreateJob inserts job and returns its id.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) (string, error) {
	if job == nil {
		return "", errors.New("job is required")
	}
	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = models.StatusQueued
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	decodeOptions, err := marshalMap(j.DecodeOptions)
	if err != nil {
		return "", err
	}
	result, err := marshalMap(j.Result)
	if err != nil {
		return "", err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		j.ID, string(j.JobType), string(j.Priority), string(j.Status), j.EngineName,
		nullString(j.FilePath), nullString(j.FileURL), nullString(j.FileName),
		j.SizeBytes, j.Duration, nullString(j.Language), decodeOptions, result,
		nullString(j.ErrorMessage), nullString(j.CallbackURL), nullString(j.CallbackMethod),
		j.CallbackStatusCode, nullString(j.CallbackMessage), j.CallbackTime,
		j.CreatedAt, j.UpdatedAt, j.ProcessingTime, nullString(j.OutputURL),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return j.ID, nil
}

// GetJob returns ErrJobNotFound for unknown ids.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return job, err
}

// GetQueuedJobs lists queued jobs in claim order.
func (s *PostgresStore) GetQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued'
		ORDER BY `+priorityOrder+`, created_at, id
		LIMIT $1::bigint`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ClaimQueuedJobs marks up to limit queued jobs processing in one statement.
// SKIP LOCKED keeps concurrent claimers from taking the same row.
func (s *PostgresStore) ClaimQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return []*models.Job{}, nil
	}
	rows, err := s.pool.Query(ctx, `UPDATE jobs SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued'
			ORDER BY `+priorityOrder+`, created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, limit)
	if err != nil {
		return nil, err
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return lessForClaim(jobs[i], jobs[j]) })
	return jobs, nil
}

// UpdateJob validates update against the locked row before writing it.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, update models.StatusUpdate) (*models.Job, error) {
	result, err := marshalMap(update.Result)
	if err != nil {
		return nil, err
	}

	var updated *models.Job
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
			}
			return err
		}
		if err := update.Validate(models.JobStatus(current)); err != nil {
			return fmt.Errorf("job %s: %w", id, err)
		}

		row := tx.QueryRow(ctx, `UPDATE jobs SET
				status = $2,
				result = COALESCE($3::jsonb, result),
				error_message = COALESCE(NULLIF($4, ''), error_message),
				language = COALESCE(NULLIF($5, ''), language),
				processing_time = COALESCE($6::double precision, processing_time),
				updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns,
			id, string(update.Status), result, update.ErrorMessage, update.Language, update.ProcessingTime)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		updated = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateCallbackStatus writes only the callback_* columns.
func (s *PostgresStore) UpdateCallbackStatus(ctx context.Context, id string, update models.CallbackUpdate) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET
			callback_status_code = $2,
			callback_message = $3,
			callback_time = $4,
			updated_at = now()
		WHERE id = $1`,
		id, update.StatusCode, models.TruncateCallbackMessage(update.Message), update.Time)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return nil
}

// ListJobs returns jobs newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2::bigint OFFSET $3`,
		string(filter.Status), limitArg(filter.Limit), max(filter.Offset, 0))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// DeleteJob reports whether a row was removed.
func (s *PostgresStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// BulkDeleteJobs removes all listed ids and returns the number removed.
func (s *PostgresStore) BulkDeleteJobs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var jobType, priority, status string
	var filePath, fileURL, fileName, language, errMsg *string
	var callbackURL, callbackMethod, callbackMsg, outputURL *string
	var decodeOptions, result []byte
	var callbackCode *int32
	err := row.Scan(
		&j.ID, &jobType, &priority, &status, &j.EngineName, &filePath, &fileURL, &fileName,
		&j.SizeBytes, &j.Duration, &language, &decodeOptions, &result, &errMsg, &callbackURL,
		&callbackMethod, &callbackCode, &callbackMsg, &j.CallbackTime, &j.CreatedAt,
		&j.UpdatedAt, &j.ProcessingTime, &outputURL,
	)
	if err != nil {
		return nil, err
	}

	j.JobType = models.JobType(jobType)
	j.Priority = models.Priority(priority)
	j.Status = models.JobStatus(status)
	j.FilePath = deref(filePath)
	j.FileURL = deref(fileURL)
	j.FileName = deref(fileName)
	j.Language = deref(language)
	j.ErrorMessage = deref(errMsg)
	j.CallbackURL = deref(callbackURL)
	j.CallbackMethod = deref(callbackMethod)
	j.CallbackMessage = deref(callbackMsg)
	j.OutputURL = deref(outputURL)
	if callbackCode != nil {
		code := int(*callbackCode)
		j.CallbackStatusCode = &code
	}
	if j.DecodeOptions, err = unmarshalMap(decodeOptions); err != nil {
		return nil, fmt.Errorf("decode_options: %w", err)
	}
	if j.Result, err = unmarshalMap(result); err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	jobs := make([]*models.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func limitArg(limit int) *int64 {
	if limit <= 0 {
		return nil
	}
	l := int64(limit)
	return &l
}
