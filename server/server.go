// Package server exposes the job service over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jupark12/transcribe-queue/models"
	"github.com/jupark12/transcribe-queue/pool"
	"github.com/jupark12/transcribe-queue/queue"
	"github.com/jupark12/transcribe-queue/service"
)

const (
	defaultMaxUploadBytes = 1 << 30
	multipartMemory       = 32 << 20
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Addr      string
	Service   *service.Service
	Pool      *pool.Pool
	Store     Pinger
	UploadDir string
	// MaxUploadBytes bounds the create request body.
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server handles HTTP requests for job management
type Server struct {
	svc            *service.Service
	pool           *pool.Pool
	store          Pinger
	uploadDir      string
	maxUploadBytes int64
	logger         *slog.Logger

	wsManager  *WebSocketManager
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("server requires a job service")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = ".uploads"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	s := &Server{
		svc:            opts.Service,
		pool:           opts.Pool,
		store:          opts.Store,
		uploadDir:      opts.UploadDir,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         opts.Logger,
		wsManager:      NewWebSocketManager(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// NotifyJobUpdate broadcasts a job change to websocket clients. It is
// registered as the scheduler's update hook.
func (s *Server) NotifyJobUpdate(job *models.Job) {
	s.wsManager.BroadcastJobUpdate(job)
}

// Handler returns the routed handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/whisper/tasks/create", s.handleCreateTask)
	mux.HandleFunc("GET /api/whisper/tasks/result", s.handleTaskResult)
	mux.HandleFunc("GET /api/whisper/tasks", s.handleListTasks)
	mux.HandleFunc("DELETE /api/whisper/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/whisper/tasks/delete", s.handleBulkDelete)
	mux.HandleFunc("POST /api/whisper/callback/test", s.handleCallbackTest)
	mux.HandleFunc("GET /api/health/check", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s.logRequests(corsMiddleware(mux))
}

// Start binds the listener and serves in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.wsManager.Start(ctx)

	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// handleCreateTask accepts a multipart upload in "file" or a file_url value.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.writeError(w, r, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}

	params := map[string]any{}
	for _, key := range []string{"file_url", "task_type", "priority", "callback_url", "callback_method", "language", "temperature", "initial_prompt"} {
		if v := r.FormValue(key); v != "" {
			params[key] = v
		}
	}

	decodeOptions, err := service.DecodeOptions(r.FormValue("language"), r.FormValue("temperature"), r.FormValue("initial_prompt"))
	if err != nil {
		s.writeErrorWithParams(w, r, http.StatusBadRequest, err.Error(), params)
		return
	}

	req := service.CreateJobRequest{
		FileURL:        r.FormValue("file_url"),
		JobType:        models.JobType(r.FormValue("task_type")),
		Priority:       models.Priority(r.FormValue("priority")),
		CallbackURL:    r.FormValue("callback_url"),
		CallbackMethod: r.FormValue("callback_method"),
		DecodeOptions:  decodeOptions,
	}

	savedPath := ""
	if file, header, err := r.FormFile("file"); err == nil {
		path, err := s.saveUpload(file, header.Filename)
		file.Close()
		if err != nil {
			s.logger.Error("failed to save upload", "error", err)
			s.writeError(w, r, http.StatusInternalServerError, "failed to save uploaded file")
			return
		}
		savedPath = path
		req.FilePath = path
		req.FileName = header.Filename
	}

	job, err := s.svc.CreateJob(r.Context(), req)
	if err != nil {
		if savedPath != "" {
			_ = os.Remove(savedPath)
		}
		var vErr *service.ValidationError
		if errors.As(err, &vErr) {
			s.writeErrorWithParams(w, r, http.StatusBadRequest, vErr.Error(), params)
			return
		}
		s.logger.Error("failed to create job", "error", err)
		s.writeErrorWithParams(w, r, http.StatusInternalServerError,
			"an unexpected error occurred while creating the transcription task: "+err.Error(), params)
		return
	}

	s.NotifyJobUpdate(job)
	s.writeData(w, r, http.StatusOK, params, job)
}

func (s *Server) saveUpload(src io.Reader, filename string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		name = "upload"
	}
	path := filepath.Join(s.uploadDir, uuid.New().String()+"_"+name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if id == "" {
		s.writeError(w, r, http.StatusBadRequest, "task_id is required")
		return
	}

	res, err := s.svc.GetJobResult(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load job result", "job_id", id, "error", err)
		status := http.StatusInternalServerError
		if queue.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, r, status, "an unexpected error occurred while getting the task result: "+err.Error())
		return
	}
	if res.Outcome != service.OutcomeCompleted {
		s.writeError(w, r, res.HTTPStatus, res.Message)
		return
	}
	s.writeData(w, r, res.HTTPStatus, queryParams(r), res.Job)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{Status: models.JobStatus(q.Get("status"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}

	jobs, err := s.svc.ListJobs(r.Context(), filter)
	if err != nil {
		var vErr *service.ValidationError
		if errors.As(err, &vErr) {
			s.writeError(w, r, http.StatusBadRequest, vErr.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeData(w, r, http.StatusOK, queryParams(r), jobs)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.svc.DeleteJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "task not found")
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"task_id": id}, map[string]any{"deleted": true})
}

type bulkDeleteRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.TaskIDs) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "task_ids is required")
		return
	}
	n, err := s.svc.BulkDeleteJobs(r.Context(), req.TaskIDs)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"task_ids": req.TaskIDs}, map[string]any{"deleted": n})
}

// handleCallbackTest is a sink for trying out callback delivery locally.
func (s *Server) handleCallbackTest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "failed to read body")
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.logger.Info("callback test received", "job_id", payload["id"], "status", payload["status"])
	s.writeData(w, r, http.StatusOK, nil, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			resp["status"] = "unavailable"
			resp["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.pool != nil {
		resp["pool"] = s.pool.Stats()
	}
	resp["websocket_clients"] = s.wsManager.Clients()
	writeJSON(w, status, resp)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}

	// Initial list goes out before registering so only the manager writes after.
	jobs, err := s.svc.ListJobs(r.Context(), queue.ListFilter{Limit: 100})
	if err == nil {
		initialData, err := json.Marshal(map[string]any{
			"type": "initial_jobs",
			"jobs": jobs,
		})
		if err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, initialData)
		}
	}

	s.wsManager.RegisterClient(conn)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsManager.UnregisterClient(conn)
				return
			}
		}
	}()
}

// envelope is the response body shared by every API route.
type envelope struct {
	Code    int            `json:"code"`
	Router  string         `json:"router"`
	Params  map[string]any `json:"params"`
	Data    any            `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Time    string         `json:"time,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, params map[string]any, data any) {
	if params == nil {
		params = map[string]any{}
	}
	writeJSON(w, status, envelope{Code: status, Router: r.URL.String(), Params: params, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeErrorWithParams(w, r, status, message, queryParams(r))
}

func (s *Server) writeErrorWithParams(w http.ResponseWriter, r *http.Request, status int, message string, params map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	writeJSON(w, status, envelope{
		Code:    status,
		Router:  r.URL.String(),
		Params:  params,
		Message: message,
		Time:    time.Now().Format(time.DateTime),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryParams(r *http.Request) map[string]any {
	params := map[string]any{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}
