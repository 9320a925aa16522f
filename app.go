package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jupark12/transcribe-queue/callback"
	"github.com/jupark12/transcribe-queue/config"
	"github.com/jupark12/transcribe-queue/engine"
	"github.com/jupark12/transcribe-queue/httpclient"
	"github.com/jupark12/transcribe-queue/logger"
	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/observability"
	"github.com/jupark12/transcribe-queue/pool"
	"github.com/jupark12/transcribe-queue/queue"
	"github.com/jupark12/transcribe-queue/server"
	"github.com/jupark12/transcribe-queue/service"
	"github.com/jupark12/transcribe-queue/worker"
)

const shutdownTimeout = 30 * time.Second

// appContext holds what every command needs.
type appContext struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func newAppContext(envFile string) (*appContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	l := logger.New(logger.Config{Level: cfg.Log.SlogLevel(), Format: cfg.Log.Format})
	return &appContext{cfg: cfg, logger: l}, nil
}

func (a *appContext) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openStore opens one store connection.
func (a *appContext) openStore(ctx context.Context) (queue.Store, error) {
	db := a.cfg.Database
	switch db.Driver {
	case "local":
		s, err := queue.NewLocalStore(db.DataDir, a.logger)
		if err != nil {
			return nil, err
		}
		if err := s.LoadJobs(); err != nil {
			a.logger.Warn("failed to load existing jobs", "error", err)
		}
		return s, nil
	default:
		s, err := queue.NewPostgresStore(ctx, db.DSN(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
}

// openStores returns the API store and the scheduler's own store. The local
// driver keeps jobs in process, so both sides share it.
func (a *appContext) openStores(ctx context.Context) (queue.Store, queue.Store, error) {
	api, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if a.cfg.Database.Driver == "local" {
		return api, api, nil
	}
	sched, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return api, sched, nil
}

func (a *appContext) buildPool() (*pool.Pool, error) {
	c := a.cfg
	return pool.Shared(pool.Options{
		EngineKind: engine.Kind(c.Pool.EngineKind),
		Engine: engine.Config{
			Model:       c.Engine.Model,
			ComputeType: c.Engine.ComputeType,
			Binary:      c.Engine.Binary,
			FFmpeg:      c.Engine.FFmpeg,
			ServerURL:   c.Engine.ServerURL,
			Threads:     c.Engine.Threads,
			TempDir:     c.Scheduler.TempDir,
			Logger:      a.logger,
		},
		MinSize:           c.Pool.MinSize,
		MaxSize:           c.Pool.MaxSize,
		MaxPerAccelerator: c.Pool.MaxPerAccelerator,
		InitWithMaxSize:   c.Pool.InitWithMaxSize,
		Device:            pool.DeviceType(c.Pool.Device),
		Logger:            a.logger,
	})
}

func (a *appContext) buildNotifier(store queue.Store) (*callback.Notifier, error) {
	c := a.cfg.Callback
	headers := httpclient.DefaultHeaders()
	headers["User-Agent"] = c.UserAgent
	client, err := httpclient.New(httpclient.Options{
		RetryLimit:  c.RetryLimit,
		BaseBackoff: c.BaseBackoff,
		Timeout:     c.Timeout,
		Headers:     headers,
		ProxyURL:    c.ProxyURL,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	return callback.New(callback.Options{Store: store, Client: client, Headers: headers, Logger: a.logger})
}

func (a *appContext) buildScheduler(store queue.Store, p *pool.Pool, notifier worker.CallbackSender) (*worker.Scheduler, error) {
	c := a.cfg
	return worker.New(worker.Options{
		Store:              store,
		Pool:               p,
		Callbacks:          notifier,
		MaxConcurrentTasks: c.Scheduler.MaxConcurrentTasks,
		IdleInterval:       c.Scheduler.CheckInterval,
		AcquireTimeout:     c.Pool.AcquireTimeout,
		Strategy:           pool.Strategy(c.Pool.Strategy),
		ReconnectInterval:  c.Scheduler.ReconnectInterval,
		StoreRetries:       c.Scheduler.StoreRetries,
		TempDir:            c.Scheduler.TempDir,
		Logger:             a.logger,
	})
}

func (a *appContext) buildService(store queue.Store) (*service.Service, error) {
	return service.New(service.Options{
		Store:      store,
		EngineName: a.cfg.Pool.EngineKind,
		BaseURL:    a.cfg.Server.BaseURL,
		UploadDir:  a.cfg.Server.UploadDir,
		Logger:     a.logger,
	})
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd.String("env"))
	if err != nil {
		return err
	}
	defer app.close()
	log := app.logger

	shutdownTracing, err := observability.InitTracing(app.cfg.Tracing.ServiceName, app.cfg.Tracing.Exporter)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	apiStore, schedStore, err := app.openStores(ctx)
	if err != nil {
		return err
	}
	if pg, ok := apiStore.(*queue.PostgresStore); ok && cmd.Bool("auto-migrate") {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	enginePool, err := app.buildPool()
	if err != nil {
		return fmt.Errorf("failed to build engine pool: %w", err)
	}
	if err := enginePool.Initialize(ctx, 0); err != nil {
		return fmt.Errorf("failed to initialize engine pool: %w", err)
	}

	notifier, err := app.buildNotifier(schedStore)
	if err != nil {
		return err
	}
	sched, err := app.buildScheduler(schedStore, enginePool, notifier)
	if err != nil {
		return err
	}
	svc, err := app.buildService(apiStore)
	if err != nil {
		return err
	}
	srv, err := server.NewServer(server.Options{
		Addr:           app.cfg.Server.Addr,
		Service:        svc,
		Pool:           enginePool,
		Store:          apiStore,
		UploadDir:      app.cfg.Server.UploadDir,
		MaxUploadBytes: app.cfg.Server.MaxUploadBytes,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	sched.SetNotifier(srv.NotifyJobUpdate)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	log.Info("transcription service started",
		"addr", app.cfg.Server.Addr,
		"engine", app.cfg.Pool.EngineKind,
		"pool_max_size", enginePool.MaxSize(),
		"max_concurrent_tasks", sched.MaxConcurrentTasks(),
	)

	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := enginePool.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine pool: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	return errors.Join(errs...)
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd.String("env"))
	if err != nil {
		return err
	}
	defer app.close()

	if app.cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations only apply to the postgres driver, got %q", app.cfg.Database.Driver)
	}
	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	if err := store.(*queue.PostgresStore).Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	app.logger.Info("migrations applied")
	return nil
}

func tasksListAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd.String("env"))
	if err != nil {
		return err
	}
	defer app.close()

	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	svc, err := app.buildService(store)
	if err != nil {
		return err
	}
	jobs, err := svc.ListJobs(ctx, queue.ListFilter{
		Status: models.JobStatus(cmd.String("status")),
		Limit:  int(cmd.Int("limit")),
		Offset: int(cmd.Int("offset")),
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	return renderJobsTable(jobs)
}

func tasksShowAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd.String("env"))
	if err != nil {
		return err
	}
	defer app.close()

	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	job, err := store.GetJob(ctx, cmd.String("id"))
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func tasksDeleteAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd.String("env"))
	if err != nil {
		return err
	}
	defer app.close()

	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	svc, err := app.buildService(store)
	if err != nil {
		return err
	}
	ids := cmd.StringSlice("id")
	n, err := svc.BulkDeleteJobs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	fmt.Printf("deleted %d of %d jobs\n", n, len(ids))
	return nil
}

// tasksDrainAction runs scheduler cycles in the foreground until a cycle
// claims nothing.
func tasksDrainAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd.String("env"))
	if err != nil {
		return err
	}
	defer app.close()

	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	enginePool, err := app.buildPool()
	if err != nil {
		return err
	}
	defer enginePool.Close(context.Background())
	if err := enginePool.Initialize(ctx, 0); err != nil {
		return err
	}
	notifier, err := app.buildNotifier(store)
	if err != nil {
		return err
	}
	sched, err := app.buildScheduler(store, enginePool, notifier)
	if err != nil {
		return err
	}

	total := 0
	for ctx.Err() == nil {
		n, err := sched.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("scheduler cycle failed: %w", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	fmt.Printf("processed %d jobs\n", total)
	return nil
}

func renderJobsTable(jobs []*models.Job) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Type", "Priority", "Status", "Input", "Callback", "Created At")
	for _, j := range jobs {
		cb := "-"
		if j.CallbackStatusCode != nil {
			cb = fmt.Sprintf("%d", *j.CallbackStatusCode)
		}
		if err := table.Append(
			j.ID,
			string(j.JobType),
			string(j.Priority),
			string(j.Status),
			j.InputRef(),
			cb,
			j.CreatedAt.Format("2006-01-02 15:04"),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
