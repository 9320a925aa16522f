// Package service implements job submission and lookup on top of a Store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jupark12/transcribe-queue/audio"
	"github.com/jupark12/transcribe-queue/engine"
	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/queue"
)

// ResultPath is the route that serves job results. OutputURL points here.
const ResultPath = "/api/whisper/tasks/result"

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// CreateJobRequest is a submission. Exactly one of FilePath and FileURL is set.
type CreateJobRequest struct {
	FilePath       string
	FileName       string
	FileURL        string
	JobType        models.JobType
	Priority       models.Priority
	CallbackURL    string
	CallbackMethod string
	DecodeOptions  map[string]any
}

// Outcome is what a result lookup found.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeNotFound  Outcome = "not_found"
)

// JobResult is the answer to a result lookup. HTTPStatus is the status the
// web layer responds with.
type JobResult struct {
	Outcome    Outcome
	HTTPStatus int
	Message    string
	Job        *models.Job
}

// Options configures a Service.
type Options struct {
	Store      queue.Store
	EngineName string
	// BaseURL prefixes OutputURL, e.g. http://localhost:8080.
	BaseURL string
	// UploadDir holds uploaded media. Files under it are removed with their job.
	UploadDir string
	Logger    *slog.Logger
	NewID     func() string
}

// Service validates submissions and answers lookups.
type Service struct {
	store      queue.Store
	engineName string
	baseURL    string
	uploadDir  string
	logger     *slog.Logger
	newID      func() string
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("service requires a store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	uploadDir := opts.UploadDir
	if uploadDir != "" {
		abs, err := filepath.Abs(uploadDir)
		if err != nil {
			return nil, fmt.Errorf("invalid upload dir: %w", err)
		}
		uploadDir = abs
	}
	return &Service{
		store:      opts.Store,
		engineName: opts.EngineName,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		uploadDir:  uploadDir,
		logger:     opts.Logger,
		newID:      opts.NewID,
	}, nil
}

// CreateJob validates req, probes local media and stores a queued job.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:             s.newID(),
		JobType:        req.JobType,
		Priority:       req.Priority,
		Status:         models.StatusQueued,
		EngineName:     s.engineName,
		FilePath:       req.FilePath,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		DecodeOptions:  req.DecodeOptions,
		CallbackURL:    req.CallbackURL,
		CallbackMethod: req.CallbackMethod,
	}
	job.OutputURL = fmt.Sprintf("%s%s?task_id=%s", s.baseURL, ResultPath, job.ID)

	if req.FilePath != "" {
		info, err := os.Stat(req.FilePath)
		if err != nil {
			return nil, &ValidationError{Field: "file", Message: "file is not readable"}
		}
		job.SizeBytes = info.Size()
		if job.FileName == "" {
			job.FileName = filepath.Base(req.FilePath)
		}
		if audio.IsWAV(req.FilePath) {
			if d, err := audio.ProbeDuration(req.FilePath); err == nil {
				job.Duration = d
			} else {
				s.logger.Warn("failed to probe media duration", "path", req.FilePath, "error", err)
			}
		}
	} else if job.FileName == "" {
		if u, err := url.Parse(req.FileURL); err == nil {
			job.FileName = filepath.Base(u.Path)
		}
	}

	id, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	created, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("created job", "job_id", id, "job_type", job.JobType, "priority", job.Priority,
		"input", job.InputRef(), "duration", job.Duration)
	return created, nil
}

// GetJobResult maps the job's status to a lookup outcome.
func (s *Service) GetJobResult(ctx context.Context, id string) (JobResult, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return JobResult{Outcome: OutcomeNotFound, HTTPStatus: http.StatusNotFound, Message: "task not found"}, nil
	}
	if err != nil {
		return JobResult{}, err
	}

	switch job.Status {
	case models.StatusQueued:
		return JobResult{Outcome: OutcomePending, HTTPStatus: http.StatusAccepted, Message: "task is queued", Job: job}, nil
	case models.StatusProcessing:
		return JobResult{Outcome: OutcomePending, HTTPStatus: http.StatusAccepted, Message: "task is processing", Job: job}, nil
	case models.StatusFailed:
		return JobResult{Outcome: OutcomeFailed, HTTPStatus: http.StatusInternalServerError, Message: "task failed: " + job.ErrorMessage, Job: job}, nil
	default:
		return JobResult{Outcome: OutcomeCompleted, HTTPStatus: http.StatusOK, Message: "task completed", Job: job}, nil
	}
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs lists jobs newest first.
func (s *Service) ListJobs(ctx context.Context, filter queue.ListFilter) ([]*models.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return s.store.ListJobs(ctx, filter)
}

// DeleteJob removes a job and its uploaded media.
func (s *Service) DeleteJob(ctx context.Context, id string) (bool, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := s.store.DeleteJob(ctx, id)
	if err != nil {
		return false, err
	}
	s.removeUpload(job)
	return ok, nil
}

// BulkDeleteJobs removes every listed job and returns how many existed.
func (s *Service) BulkDeleteJobs(ctx context.Context, ids []string) (int, error) {
	var jobs []*models.Job
	for _, id := range ids {
		if job, err := s.store.GetJob(ctx, id); err == nil {
			jobs = append(jobs, job)
		}
	}
	n, err := s.store.BulkDeleteJobs(ctx, ids)
	if err != nil {
		return n, err
	}
	for _, job := range jobs {
		s.removeUpload(job)
	}
	return n, nil
}

func (s *Service) removeUpload(job *models.Job) {
	if s.uploadDir == "" || job.FilePath == "" {
		return
	}
	abs, err := filepath.Abs(job.FilePath)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(s.uploadDir, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove uploaded file", "job_id", job.ID, "path", abs, "error", err)
	}
}

func validate(req *CreateJobRequest) error {
	req.FilePath = strings.TrimSpace(req.FilePath)
	req.FileURL = strings.TrimSpace(req.FileURL)
	req.CallbackURL = strings.TrimSpace(req.CallbackURL)

	switch {
	case req.FilePath == "" && req.FileURL == "":
		return &ValidationError{Field: "file", Message: "either file or file_url is required"}
	case req.FilePath != "" && req.FileURL != "":
		return &ValidationError{Field: "file", Message: "file and file_url cannot both be provided"}
	}
	if req.FileURL != "" && !isHTTPURL(req.FileURL) {
		return &ValidationError{Field: "file_url", Message: "not a valid http(s) URL"}
	}

	if req.JobType == "" {
		req.JobType = models.JobTypeTranscribe
	}
	if !req.JobType.Valid() {
		return &ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", req.JobType)}
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", req.Priority)}
	}

	if req.CallbackURL != "" && !isHTTPURL(req.CallbackURL) {
		return &ValidationError{Field: "callback_url", Message: "not a valid http(s) URL"}
	}
	req.CallbackMethod = strings.ToUpper(strings.TrimSpace(req.CallbackMethod))
	switch req.CallbackMethod {
	case "":
		if req.CallbackURL != "" {
			req.CallbackMethod = http.MethodPost
		}
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return &ValidationError{Field: "callback_method", Message: fmt.Sprintf("unsupported method %q", req.CallbackMethod)}
	}

	if req.DecodeOptions == nil {
		req.DecodeOptions = map[string]any{}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// DecodeOptions builds the engine options from submission form values.
// Temperature may be one float or a comma separated fallback list.
func DecodeOptions(language, temperature, initialPrompt string) (map[string]any, error) {
	opts := map[string]any{}
	if lang := strings.TrimSpace(language); lang != "" {
		opts[engine.OptLanguage] = lang
	}
	if prompt := strings.TrimSpace(initialPrompt); prompt != "" {
		opts[engine.OptInitialPrompt] = prompt
	}

	temperature = strings.TrimSpace(temperature)
	if temperature == "" {
		return opts, nil
	}
	parts := strings.Split(temperature, ",")
	temps := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 || v > 1 {
			return nil, &ValidationError{Field: "temperature", Message: fmt.Sprintf("%q is not a number in [0, 1]", p)}
		}
		temps = append(temps, v)
	}
	if len(temps) == 1 {
		opts[engine.OptTemperature] = temps[0]
	} else {
		opts[engine.OptTemperature] = temps
	}
	return opts, nil
}
