// Package callback delivers finished job records to submitter webhooks.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jupark12/transcribe-queue/httpclient"
	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/observability"
	"github.com/jupark12/transcribe-queue/queue"
)

// Options configures a Notifier.
type Options struct {
	Store  queue.Store
	Client *httpclient.Client
	// Headers replaces httpclient.DefaultHeaders when set.
	Headers map[string]string
	Logger  *slog.Logger
	Now     func() time.Time
}

// Notifier posts the full job record to the job's callback URL and records
// the delivery outcome. It never changes job status.
type Notifier struct {
	store   queue.Store
	client  *httpclient.Client
	headers map[string]string
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Notifier. A nil client gets the default retrying client.
func New(opts Options) (*Notifier, error) {
	if opts.Store == nil {
		return nil, errors.New("callback notifier requires a store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client == nil {
		c, err := httpclient.New(httpclient.Options{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Client = c
	}
	if opts.Headers == nil {
		opts.Headers = httpclient.DefaultHeaders()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Notifier{
		store:   opts.Store,
		client:  opts.Client,
		headers: opts.Headers,
		logger:  opts.Logger,
		now:     opts.Now,
	}, nil
}

// Notify sends the callback for jobID. A job without a callback URL is
// skipped. Whenever the target answered, the status code and body are stored
// on the job, including failed and exhausted deliveries. The returned error
// is for logging only.
func (n *Notifier) Notify(ctx context.Context, jobID string) error {
	ctx, span := observability.StartSpan(ctx, "callback.notify", attribute.String("job_id", jobID))
	defer span.End()

	job, err := n.store.GetJob(ctx, jobID)
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("failed to load job for callback: %w", err)
	}
	if job.CallbackURL == "" {
		n.logger.Info("no callback url, skipping callback notification", "job_id", jobID)
		return nil
	}

	body, err := json.Marshal(job)
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("failed to marshal job for callback: %w", err)
	}

	method := strings.ToUpper(job.CallbackMethod)
	if method == "" {
		method = http.MethodPost
	}
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", job.CallbackURL))

	resp, sendErr := n.client.Do(ctx, httpclient.Request{
		Method:  method,
		URL:     job.CallbackURL,
		Headers: n.headers,
		Body:    body,
	})

	var apiErr *httpclient.APIError
	gotResponse := sendErr == nil || (errors.As(sendErr, &apiErr) && apiErr.HasResponse())
	if gotResponse && resp != nil {
		n.logger.Info("callback response received", "job_id", jobID, "status", resp.StatusCode)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		update := models.CallbackUpdate{
			StatusCode: resp.StatusCode,
			Message:    string(resp.Body),
			Time:       n.now().UTC(),
		}
		if err := n.store.UpdateCallbackStatus(ctx, jobID, update); err != nil {
			n.logger.Error("failed to record callback status", "job_id", jobID, "error", err)
			if sendErr == nil {
				sendErr = err
			}
		}
	}

	if sendErr != nil {
		observability.RecordError(span, sendErr)
		n.logger.Error("callback delivery failed", "job_id", jobID, "url", job.CallbackURL, "error", sendErr)
		return fmt.Errorf("callback for job %s: %w", jobID, sendErr)
	}
	return nil
}
