package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/queue"
	"github.com/jupark12/transcribe-queue/service"
)

type testEnv struct {
	srv       *Server
	store     *queue.LocalStore
	http      *httptest.Server
	uploadDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := queue.NewLocalStore("", nil)
	require.NoError(t, err)

	uploadDir := t.TempDir()
	svc, err := service.New(service.Options{Store: store, EngineName: "whisper_cpp", BaseURL: "http://api.test", UploadDir: uploadDir})
	require.NoError(t, err)

	s, err := NewServer(Options{Service: svc, Store: store, UploadDir: uploadDir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.wsManager.Start(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: s, store: store, http: ts, uploadDir: uploadDir}
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func dataMap(t *testing.T, env envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "data is %T", env.Data)
	return m
}

func (e *testEnv) createFromURL(t *testing.T, values url.Values) (*http.Response, envelope) {
	t.Helper()
	resp, err := http.PostForm(e.http.URL+"/api/whisper/tasks/create", values)
	require.NoError(t, err)
	return resp, decodeEnvelope(t, resp)
}

func TestCreateTaskFromURL(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.createFromURL(t, url.Values{
		"file_url":    {"https://media.test/clip.mp3"},
		"task_type":   {"translate"},
		"priority":    {"high"},
		"language":    {"fr"},
		"temperature": {"0.2,0.4"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 200, body.Code)
	assert.Equal(t, "https://media.test/clip.mp3", body.Params["file_url"])
	data := dataMap(t, body)
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, "translate", data["job_type"])
	assert.Equal(t, "high", data["priority"])
	assert.Equal(t, "clip.mp3", data["file_name"])
	opts := data["decode_options"].(map[string]any)
	assert.Equal(t, "fr", opts["language"])
	assert.Equal(t, []any{0.2, 0.4}, opts["temperature"])
	assert.True(t, strings.HasPrefix(data["output_url"].(string), "http://api.test/api/whisper/tasks/result?task_id="))
}

func TestCreateTaskWithUpload(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "../../etc/meeting.mp3")
	require.NoError(t, err)
	_, err = fw.Write([]byte("ID3 fake mp3"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("callback_url", "http://hooks.test/done"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.http.URL+"/api/whisper/tasks/create", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)

	data := dataMap(t, body)
	path := data["file_path"].(string)
	assert.Equal(t, env.uploadDir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, "_meeting.mp3"))
	assert.Equal(t, float64(len("ID3 fake mp3")), data["size_bytes"])
	assert.Equal(t, "POST", data["callback_method"])
	assert.FileExists(t, path)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.createFromURL(t, url.Values{"priority": {"high"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 400, body.Code)
	assert.Contains(t, body.Message, "file")
	assert.NotEmpty(t, body.Time)

	resp, body = env.createFromURL(t, url.Values{"file_url": {"not a url"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Message, "file_url")

	resp, _ = env.createFromURL(t, url.Values{"file_url": {"https://x.test/a.wav"}, "temperature": {"warm"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := os.ReadDir(env.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTaskResultStatuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, created := env.createFromURL(t, url.Values{"file_url": {"https://x.test/a.wav"}})
	id := dataMap(t, created)["id"].(string)
	resultURL := env.http.URL + "/api/whisper/tasks/result?task_id=" + id

	resp, err := http.Get(resultURL)
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "task is queued", body.Message)

	_, err = env.store.ClaimQueuedJobs(ctx, 1)
	require.NoError(t, err)
	_, err = env.store.UpdateJob(ctx, id, models.StatusUpdate{Status: models.StatusCompleted, Result: map[string]any{"text": "bonjour"}})
	require.NoError(t, err)

	resp, err = http.Get(resultURL)
	require.NoError(t, err)
	body = decodeEnvelope(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body.Params["task_id"])
	assert.Equal(t, "bonjour", dataMap(t, body)["result"].(map[string]any)["text"])

	resp, err = http.Get(env.http.URL + "/api/whisper/tasks/result?task_id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/api/whisper/tasks/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndDeleteTasks(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 3; i++ {
		_, created := env.createFromURL(t, url.Values{"file_url": {"https://x.test/a.wav"}})
		ids = append(ids, dataMap(t, created)["id"].(string))
	}

	resp, err := http.Get(env.http.URL + "/api/whisper/tasks?status=queued&limit=2")
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body.Data, 2)

	resp, err = http.Get(env.http.URL + "/api/whisper/tasks?status=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, env.http.URL+"/api/whisper/tasks/"+ids[0], nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	payload, _ := json.Marshal(map[string]any{"task_ids": []string{ids[1], ids[2], "nope"}})
	resp, err = http.Post(env.http.URL+"/api/whisper/tasks/delete", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	body = decodeEnvelope(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), dataMap(t, body)["deleted"])

	remaining, err := env.store.ListJobs(context.Background(), queue.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestCallbackTestEchoesPayload(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.http.URL+"/api/whisper/callback/test", "application/json",
		strings.NewReader(`{"id":"abc","status":"completed"}`))
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", dataMap(t, body)["id"])

	resp, err = http.Post(env.http.URL+"/api/whisper/callback/test", "application/json", strings.NewReader(`nope`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/api/health/check")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/whisper/tasks/create", nil)
	require.NoError(t, err)
	pre, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	pre.Body.Close()
	assert.Equal(t, http.StatusOK, pre.StatusCode)
	assert.Contains(t, pre.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestWebSocketReceivesJobUpdates(t *testing.T) {
	env := newTestEnv(t)
	_, created := env.createFromURL(t, url.Values{"file_url": {"https://x.test/a.wav"}})
	id := dataMap(t, created)["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var initial map[string]any
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "initial_jobs", initial["type"])
	assert.Len(t, initial["jobs"], 1)

	require.Eventually(t, func() bool { return env.srv.wsManager.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.srv.NotifyJobUpdate(&models.Job{ID: id, Status: models.StatusFailed, ErrorMessage: "boom"})

	var update map[string]any
	for update["status"] != "failed" {
		update = nil
		require.NoError(t, conn.ReadJSON(&update))
	}
	assert.Equal(t, "job_update", update["type"])
	assert.Equal(t, id, update["job_id"])
	assert.Equal(t, "failed", update["status"])
	assert.Equal(t, "boom", update["error"])
}
