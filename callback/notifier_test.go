package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/transcribe-queue/httpclient"
	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/queue"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, callbackURL, method string) (*Notifier, *queue.LocalStore, string) {
	t.Helper()
	store, err := queue.NewLocalStore("", nil)
	require.NoError(t, err)

	id, err := store.CreateJob(context.Background(), &models.Job{
		JobType:        models.JobTypeTranscribe,
		Priority:       models.PriorityNormal,
		FilePath:       "/audio/a.wav",
		CallbackURL:    callbackURL,
		CallbackMethod: method,
	})
	require.NoError(t, err)

	client, err := httpclient.New(httpclient.Options{
		RetryLimit:  2,
		BaseBackoff: time.Millisecond,
		Timeout:     2 * time.Second,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	n, err := New(Options{Store: store, Client: client, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return n, store, id
}

func TestNotifyPostsJobAndRecordsResponse(t *testing.T) {
	var gotMethod, gotUA, gotType string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.Header.Get("User-Agent")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	n, store, id := newFixture(t, srv.URL, "")
	require.NoError(t, n.Notify(context.Background(), id))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "transcribe-queue/http-callback", gotUA)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, id, payload["id"])
	assert.Equal(t, "queued", payload["status"])

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job.CallbackStatusCode)
	assert.Equal(t, 200, *job.CallbackStatusCode)
	assert.Equal(t, `{"received":true}`, job.CallbackMessage)
	require.NotNil(t, job.CallbackTime)
	assert.Equal(t, fixedNow, *job.CallbackTime)
	assert.Equal(t, models.StatusQueued, job.Status)
}

func TestNotifyUsesJobMethod(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n, _, id := newFixture(t, srv.URL, "put")
	require.NoError(t, n.Notify(context.Background(), id))
	assert.Equal(t, http.MethodPut, gotMethod)
}

func TestNotifySkipsWithoutURL(t *testing.T) {
	n, store, id := newFixture(t, "", "")
	require.NoError(t, n.Notify(context.Background(), id))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, job.CallbackStatusCode)
	assert.Nil(t, job.CallbackTime)
}

func TestNotifyRecordsErrorStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream broke"))
	}))
	defer srv.Close()

	n, store, id := newFixture(t, srv.URL, "")
	err := n.Notify(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, httpclient.ErrResponse)
	assert.Equal(t, int32(1), calls.Load())

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job.CallbackStatusCode)
	assert.Equal(t, 500, *job.CallbackStatusCode)
	assert.Equal(t, "upstream broke", job.CallbackMessage)
	assert.Equal(t, models.StatusQueued, job.Status)
}

func TestNotifyRecordsExhaustedEmptyBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, store, id := newFixture(t, srv.URL, "")
	err := n.Notify(context.Background(), id)
	assert.ErrorIs(t, err, httpclient.ErrRetryExhausted)
	assert.Equal(t, int32(2), calls.Load())

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job.CallbackStatusCode)
	assert.Equal(t, http.StatusAccepted, *job.CallbackStatusCode)
	assert.Empty(t, job.CallbackMessage)
}

func TestNotifyConnectionErrorRecordsNothing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	n, store, id := newFixture(t, url, "")
	err := n.Notify(context.Background(), id)
	assert.ErrorIs(t, err, httpclient.ErrConnection)

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, job.CallbackStatusCode)
}

func TestNotifyUnknownJob(t *testing.T) {
	n, _, _ := newFixture(t, "", "")
	err := n.Notify(context.Background(), "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
