// Package worker runs queued transcription jobs against the engine pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jupark12/transcribe-queue/engine"
	"github.com/jupark12/transcribe-queue/httpclient"
	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/observability"
	"github.com/jupark12/transcribe-queue/pool"
	"github.com/jupark12/transcribe-queue/queue"
)

const (
	defaultIdleInterval      = 3 * time.Second
	defaultAcquireTimeout    = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultStoreRetries      = 3
	downloadTimeout          = 30 * time.Minute
)

// CallbackSender delivers a finished job to its submitter.
type CallbackSender interface {
	Notify(ctx context.Context, jobID string) error
}

// Options configures a Scheduler.
type Options struct {
	// Store must be a connection owned by the scheduler.
	Store queue.Store
	Pool  *pool.Pool
	// Callbacks may be nil, in which case no callbacks are sent.
	Callbacks CallbackSender
	// Downloader fetches file_url inputs. Nil builds a default client.
	Downloader         *httpclient.Client
	MaxConcurrentTasks int
	IdleInterval       time.Duration
	AcquireTimeout     time.Duration
	Strategy           pool.Strategy
	ReconnectInterval  time.Duration
	StoreRetries       int
	TempDir            string
	Logger             *slog.Logger
}

// Scheduler claims batches of queued jobs and runs each one on a leased
// engine instance. A claim goroutine and an execution goroutine talk over a
// fetch signal and a one-slot batch channel.
type Scheduler struct {
	store             queue.Store
	pool              *pool.Pool
	callbacks         CallbackSender
	downloader        *httpclient.Client
	maxTasks          int
	idleInterval      time.Duration
	acquireTimeout    time.Duration
	strategy          pool.Strategy
	reconnectInterval time.Duration
	storeRetries      int
	tempDir           string
	logger            *slog.Logger

	fetch     chan struct{}
	batches   chan []*models.Job
	stop      chan struct{}
	claimDone chan struct{}
	stopOnce  sync.Once
	loops     sync.WaitGroup
	started   atomic.Bool

	hookMu   sync.RWMutex
	onUpdate func(*models.Job)
}

// New builds a Scheduler. MaxConcurrentTasks is clamped to [1, pool max size].
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("scheduler requires a store")
	}
	if opts.Pool == nil {
		return nil, errors.New("scheduler requires an engine pool")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.Strategy == "" {
		opts.Strategy = pool.StrategyExisting
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.StoreRetries < 0 {
		opts.StoreRetries = 0
	} else if opts.StoreRetries == 0 {
		opts.StoreRetries = defaultStoreRetries
	}
	if opts.Downloader == nil {
		c, err := httpclient.New(httpclient.Options{Timeout: downloadTimeout, FollowRedirects: true, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Downloader = c
	}
	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
	}

	maxTasks := opts.MaxConcurrentTasks
	if maxTasks < 1 {
		maxTasks = 1
	}
	if limit := opts.Pool.MaxSize(); maxTasks > limit {
		opts.Logger.Warn("max concurrent tasks exceeds engine pool size, clamping",
			"requested", opts.MaxConcurrentTasks, "pool_max_size", limit)
		maxTasks = limit
	}

	return &Scheduler{
		store:             opts.Store,
		pool:              opts.Pool,
		callbacks:         opts.Callbacks,
		downloader:        opts.Downloader,
		maxTasks:          maxTasks,
		idleInterval:      opts.IdleInterval,
		acquireTimeout:    opts.AcquireTimeout,
		strategy:          opts.Strategy,
		reconnectInterval: opts.ReconnectInterval,
		storeRetries:      opts.StoreRetries,
		tempDir:           opts.TempDir,
		logger:            opts.Logger,
		fetch:             make(chan struct{}, 1),
		batches:           make(chan []*models.Job, 1),
		stop:              make(chan struct{}),
		claimDone:         make(chan struct{}),
	}, nil
}

// MaxConcurrentTasks returns the effective batch size.
func (s *Scheduler) MaxConcurrentTasks() int { return s.maxTasks }

// SetNotifier registers fn to receive every job after its outcome is stored.
func (s *Scheduler) SetNotifier(fn func(*models.Job)) {
	s.hookMu.Lock()
	s.onUpdate = fn
	s.hookMu.Unlock()
}

// Start launches the claim and execution loops. Cancelling ctx has the same
// effect as Stop: in-flight jobs still run to completion.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	context.AfterFunc(ctx, s.signalStop)

	runCtx := context.WithoutCancel(ctx)
	s.loops.Add(2)
	go s.claimLoop(runCtx)
	go s.executeLoop(runCtx)

	s.logger.Info("scheduler started", "max_concurrent_tasks", s.maxTasks, "idle_interval", s.idleInterval)
	return nil
}

// Stop stops claiming new work and waits for in-flight jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.signalStop()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
		return ctx.Err()
	}
}

// RunCycle claims one batch and runs it to completion. It returns the number
// of claimed jobs. It must not be mixed with Start.
func (s *Scheduler) RunCycle(ctx context.Context) (int, error) {
	jobs, err := s.claim(ctx)
	if err != nil {
		return 0, err
	}
	s.runBatch(ctx, jobs)
	return len(jobs), nil
}

func (s *Scheduler) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) claimLoop(ctx context.Context) {
	defer s.loops.Done()
	defer close(s.claimDone)

	for {
		select {
		case <-s.stop:
			return
		case <-s.fetch:
		}

		jobs, err := s.claim(ctx)
		if err != nil {
			s.logger.Error("failed to claim queued jobs", "error", err)
			jobs = nil
		}
		// Only one fetch is ever outstanding, so the slot is free.
		s.batches <- jobs
	}
}

func (s *Scheduler) executeLoop(ctx context.Context) {
	defer s.loops.Done()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.fetch <- struct{}{}

		var jobs []*models.Job
		select {
		case jobs = <-s.batches:
		case <-s.claimDone:
			select {
			case jobs = <-s.batches:
			default:
				return
			}
		}

		if len(jobs) == 0 {
			select {
			case <-s.stop:
				return
			case <-time.After(s.idleInterval):
			}
			continue
		}
		s.runBatch(ctx, jobs)
	}
}

func (s *Scheduler) claim(ctx context.Context) ([]*models.Job, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.claim", attribute.Int("limit", s.maxTasks))
	defer span.End()

	var jobs []*models.Job
	err := s.withStoreRetry(ctx, "claim", func(ctx context.Context) error {
		var err error
		jobs, err = s.store.ClaimQueuedJobs(ctx, s.maxTasks)
		return err
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("claimed", len(jobs)))
	if len(jobs) > 0 {
		s.logger.Info("claimed queued jobs", "count", len(jobs))
	}
	return jobs, nil
}

func (s *Scheduler) runBatch(ctx context.Context, jobs []*models.Job) {
	g := new(errgroup.Group)
	g.SetLimit(s.maxTasks)
	for _, job := range jobs {
		s.publish(job)
		g.Go(func() error {
			s.processJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) processJob(ctx context.Context, job *models.Job) {
	ctx, span := observability.StartSpan(ctx, "scheduler.process_job",
		attribute.String("job_id", job.ID),
		attribute.String("job_type", string(job.JobType)),
	)
	defer span.End()

	log := s.logger.With("job_id", job.ID)
	log.Info("processing job", "input", job.InputRef(), "priority", job.Priority)

	start := time.Now()
	result, language, runErr := s.execute(ctx, job)
	elapsed := time.Since(start).Seconds()

	update := models.StatusUpdate{
		Status:         models.StatusCompleted,
		Result:         result,
		Language:       language,
		ProcessingTime: &elapsed,
	}
	if runErr != nil {
		observability.RecordError(span, runErr)
		log.Error("job failed", "error", runErr, "processing_time", elapsed)
		update = models.StatusUpdate{
			Status:         models.StatusFailed,
			ErrorMessage:   runErr.Error(),
			ProcessingTime: &elapsed,
		}
	} else {
		log.Info("job completed", "language", language, "processing_time", elapsed)
	}

	var updated *models.Job
	err := s.withStoreRetry(ctx, "update_job", func(ctx context.Context) error {
		var err error
		updated, err = s.store.UpdateJob(ctx, job.ID, update)
		return err
	})
	if err != nil {
		observability.RecordError(span, err)
		log.Error("failed to store job outcome", "status", update.Status, "error", err)
		return
	}
	s.publish(updated)

	if updated.CallbackURL != "" && s.callbacks != nil {
		if err := s.callbacks.Notify(ctx, job.ID); err != nil {
			log.Warn("callback notification failed", "error", err)
		}
	}
}

// execute runs the engine for job. The leased instance is released on every
// path, and an instance whose run panicked is destroyed instead of reused.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) (result map[string]any, language string, err error) {
	input, cleanup, err := s.resolveInput(ctx, job)
	if err != nil {
		return nil, "", err
	}
	defer cleanup()

	inst, err := s.pool.Acquire(ctx, s.acquireTimeout, s.strategy)
	if err != nil {
		return nil, "", fmt.Errorf("failed to acquire engine instance: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			inst.Invalidate()
			result, language = nil, ""
			err = fmt.Errorf("engine instance %d panicked: %v", inst.Index, r)
		}
		if rerr := s.pool.Release(inst); rerr != nil {
			s.logger.Error("failed to release engine instance", "job_id", job.ID, "instance", inst.Index, "error", rerr)
		}
	}()

	task := engine.TaskTranscribe
	if job.JobType == models.JobTypeTranslate {
		task = engine.TaskTranslate
	}

	out, err := inst.Run(ctx, engine.Input{Path: input, Task: task}, job.DecodeOptions)
	if err != nil {
		return nil, "", err
	}
	return out.ToMap(), out.Language, nil
}

// resolveInput returns a local path for the job's media. Downloaded files are
// removed by cleanup; submitted local files are left alone.
func (s *Scheduler) resolveInput(ctx context.Context, job *models.Job) (string, func(), error) {
	if job.FilePath != "" {
		return job.FilePath, func() {}, nil
	}
	if job.FileURL == "" {
		return "", nil, errors.New("job has neither file path nor file url")
	}

	resp, err := s.downloader.Do(ctx, httpclient.Request{
		Method:  http.MethodGet,
		URL:     job.FileURL,
		Headers: map[string]string{"Accept": "*/*", "User-Agent": "transcribe-queue/downloader"},
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to download %s: %w", job.FileURL, err)
	}

	ext := ""
	if u, err := url.Parse(job.FileURL); err == nil {
		ext = path.Ext(u.Path)
	}
	f, err := os.CreateTemp(s.tempDir, "job-"+job.ID+"-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	cleanup := func() {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove downloaded file", "path", name, "error", err)
		}
	}

	if _, err := f.Write(resp.Body); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write downloaded file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write downloaded file: %w", err)
	}
	s.logger.Debug("downloaded job input", "job_id", job.ID, "path", name, "bytes", len(resp.Body))
	return name, cleanup, nil
}

// withStoreRetry retries fn on transient store errors, waiting
// ReconnectInterval and pinging the store before each retry.
func (s *Scheduler) withStoreRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.reconnectInterval), uint64(s.storeRetries)),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		if attempt > 0 {
			if err := s.store.Ping(ctx); err != nil {
				s.logger.Warn("store still unreachable", "op", op, "error", err)
			}
		}
		attempt++
		err := fn(ctx)
		if err != nil && !queue.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		s.logger.Warn("transient store error, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
}

func (s *Scheduler) publish(job *models.Job) {
	s.hookMu.RLock()
	fn := s.onUpdate
	s.hookMu.RUnlock()
	if fn != nil && job != nil {
		fn(job.Clone())
	}
}
