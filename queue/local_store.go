package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jupark12/transcribe-queue/models"
)

// LocalStore keeps jobs in memory and, when dataDir is set, mirrors each job
// to <dataDir>/<id>.json so a restart can reload them.
type LocalStore struct {
	mu       sync.RWMutex
	queued   []*models.Job
	jobsByID map[string]*models.Job
	dataDir  string
	logger   *slog.Logger
	now      func() time.Time
}

// NewLocalStore creates a store. An empty dataDir keeps jobs in memory only.
func NewLocalStore(dataDir string, logger *slog.Logger) (*LocalStore, error) {
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{
		queued:   make([]*models.Job, 0),
		jobsByID: make(map[string]*models.Job),
		dataDir:  dataDir,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateJob stores a new queued job and returns its id.
func (s *LocalStore) CreateJob(_ context.Context, job *models.Job) (string, error) {
	if job == nil {
		return "", errors.New("job is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if _, exists := s.jobsByID[j.ID]; exists {
		return "", fmt.Errorf("job %s already exists", j.ID)
	}
	if j.Status == "" {
		j.Status = models.StatusQueued
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	if err := s.persistJob(j); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	s.jobsByID[j.ID] = j
	if j.Status == models.StatusQueued {
		s.insertQueued(j)
	}
	return j.ID, nil
}

// GetJob retrieves a job by ID
func (s *LocalStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobsByID[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return job.Clone(), nil
}

// GetQueuedJobs returns copies of the next queued jobs in claim order.
func (s *LocalStore) GetQueuedJobs(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.queued)
	if limit > 0 && limit < n {
		n = limit
	}
	jobs := make([]*models.Job, 0, n)
	for _, j := range s.queued[:n] {
		jobs = append(jobs, j.Clone())
	}
	return jobs, nil
}

// ClaimQueuedJobs moves up to limit queued jobs to processing under one lock.
func (s *LocalStore) ClaimQueuedJobs(_ context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return []*models.Job{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.queued))
	claim := models.StatusUpdate{Status: models.StatusProcessing}
	now := s.now()

	claimed := make([]*models.Job, 0, n)
	for _, j := range s.queued[:n] {
		if err := claim.Validate(j.Status); err != nil {
			return nil, err
		}
		claim.Apply(j, now)
		if err := s.persistJob(j); err != nil {
			s.logger.Error("failed to persist claimed job", "job_id", j.ID, "error", err)
		}
		claimed = append(claimed, j.Clone())
	}
	s.queued = s.queued[n:]
	return claimed, nil
}

// UpdateJob applies a validated status update.
func (s *LocalStore) UpdateJob(_ context.Context, id string, update models.StatusUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobsByID[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err := update.Validate(job.Status); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	wasQueued := job.Status == models.StatusQueued
	update.Apply(job, s.now())
	if wasQueued {
		s.removeQueued(id)
	}
	if err := s.persistJob(job); err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return job.Clone(), nil
}

// UpdateCallbackStatus records a callback delivery outcome.
func (s *LocalStore) UpdateCallbackStatus(_ context.Context, id string, update models.CallbackUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobsByID[id]
	if !exists {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	update.Apply(job)
	return s.persistJob(job)
}

// ListJobs returns jobs newest first.
func (s *LocalStore) ListJobs(_ context.Context, filter ListFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobsByID))
	for _, job := range s.jobsByID {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*models.Job{}, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// DeleteJob removes a job and its file. It reports whether the job existed.
func (s *LocalStore) DeleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

// BulkDeleteJobs removes every listed job and returns how many existed.
func (s *LocalStore) BulkDeleteJobs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		ok, err := s.deleteLocked(id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Ping checks the data directory is still reachable.
func (s *LocalStore) Ping(_ context.Context) error {
	if s.dataDir == "" {
		return nil
	}
	if _, err := os.Stat(s.dataDir); err != nil {
		return fmt.Errorf("data directory unavailable: %w", err)
	}
	return nil
}

// Close is a no-op; every write is already on disk.
func (s *LocalStore) Close() {}

// LoadJobs loads all persisted jobs from disk
func (s *LocalStore) LoadJobs() error {
	if s.dataDir == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		jobPath := filepath.Join(s.dataDir, file.Name())
		data, err := os.ReadFile(jobPath)
		if err != nil {
			s.logger.Warn("failed to read job file", "path", jobPath, "error", err)
			continue
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.logger.Warn("failed to unmarshal job data", "path", jobPath, "error", err)
			continue
		}
		if job.ID == "" {
			continue
		}

		j := &job
		s.jobsByID[j.ID] = j
		if j.Status == models.StatusQueued {
			s.insertQueued(j)
		}
	}

	s.logger.Info("loaded jobs from disk", "count", len(s.jobsByID), "queued", len(s.queued))
	return nil
}

func (s *LocalStore) deleteLocked(id string) (bool, error) {
	job, exists := s.jobsByID[id]
	if !exists {
		return false, nil
	}
	if job.Status == models.StatusQueued {
		s.removeQueued(id)
	}
	delete(s.jobsByID, id)

	if s.dataDir != "" {
		err := os.Remove(filepath.Join(s.dataDir, id+".json"))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return true, fmt.Errorf("failed to remove job file: %w", err)
		}
	}
	return true, nil
}

func (s *LocalStore) insertQueued(j *models.Job) {
	i := sort.Search(len(s.queued), func(i int) bool { return lessForClaim(j, s.queued[i]) })
	s.queued = append(s.queued, nil)
	copy(s.queued[i+1:], s.queued[i:])
	s.queued[i] = j
}

func (s *LocalStore) removeQueued(id string) {
	for i, j := range s.queued {
		if j.ID == id {
			s.queued = append(s.queued[:i], s.queued[i+1:]...)
			return
		}
	}
}

// persistJob saves job data to disk
func (s *LocalStore) persistJob(job *models.Job) error {
	if s.dataDir == "" {
		return nil
	}
	jobPath := filepath.Join(s.dataDir, job.ID+".json")

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	tmp := jobPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	return os.Rename(tmp, jobPath)
}
