package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jupark12/transcribe-queue/httpclient"
)

const serverInferenceTimeout = 30 * time.Minute

// ServerFactory creates handles that post audio to a running whisper.cpp
// server's /inference endpoint.
type ServerFactory struct {
	client *httpclient.Client
}

// NewServerFactory returns a factory using client, or a per-handle client
// with a long timeout when client is nil.
func NewServerFactory(client *httpclient.Client) *ServerFactory {
	return &ServerFactory{client: client}
}

// CPUComputeType implements Factory.
func (f *ServerFactory) CPUComputeType() string { return "float32" }

// Create implements Factory.
func (f *ServerFactory) Create(_ context.Context, cfg Config) (Handle, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if base == "" {
		return nil, &ExecutionError{Stage: StageLoad, Message: "whisper server url is required"}
	}

	client := f.client
	if client == nil {
		c, err := httpclient.New(httpclient.Options{Timeout: serverInferenceTimeout, Logger: cfg.Logger})
		if err != nil {
			return nil, &ExecutionError{Stage: StageLoad, Message: "failed to build http client", Err: err}
		}
		client = c
	}
	return &serverHandle{endpoint: base + "/inference", client: client}, nil
}

type serverHandle struct {
	endpoint string
	client   *httpclient.Client
	closed   atomic.Bool
}

func (h *serverHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *serverHandle) Run(ctx context.Context, in Input, options map[string]any) (Result, error) {
	if h.closed.Load() {
		return Result{}, &ExecutionError{Stage: StageLoad, Message: "engine handle is closed"}
	}

	body, contentType, err := buildInferenceForm(in, options)
	if err != nil {
		return Result{}, err
	}

	resp, err := h.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    h.endpoint,
		Headers: map[string]string{
			"Content-Type": contentType,
			"Accept":       "application/json",
		},
		Body: body,
	})
	if err != nil {
		return Result{}, &ExecutionError{Stage: StageTranscribe, Message: "whisper server inference failed", Err: err}
	}

	var out struct {
		Language string    `json:"language"`
		Duration float64   `json:"duration"`
		Text     string    `json:"text"`
		Segments []Segment `json:"segments"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Result{}, &ExecutionError{Stage: StageDecode, Message: "failed to parse whisper server response", Err: err}
	}

	for i := range out.Segments {
		out.Segments[i].Text = strings.TrimSpace(out.Segments[i].Text)
	}
	if out.Segments == nil {
		out.Segments = []Segment{}
	}
	return Result{
		Text:     strings.TrimSpace(out.Text),
		Language: out.Language,
		Duration: out.Duration,
		Segments: out.Segments,
	}, nil
}

func buildInferenceForm(in Input, options map[string]any) ([]byte, string, error) {
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, "", &ExecutionError{
			Stage:   StagePreprocess,
			Message: fmt.Sprintf("cannot access input media: %s", in.Path),
			Err:     err,
		}
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(in.Path))
	if err != nil {
		return nil, "", &ExecutionError{Stage: StagePreprocess, Message: "failed to build upload form", Err: err}
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", &ExecutionError{Stage: StagePreprocess, Message: "failed to read input media", Err: err}
	}

	fields := map[string]string{"response_format": "verbose_json"}
	if lang := normalizeLanguage(optString(options, OptLanguage)); lang != "" {
		fields["language"] = lang
	} else {
		fields["language"] = "auto"
	}
	if in.Task == TaskTranslate {
		fields["translate"] = "true"
	}
	if t, ok := optFloat(options, OptTemperature); ok {
		fields["temperature"] = strconv.FormatFloat(t, 'f', -1, 64)
	}
	if p := optString(options, OptInitialPrompt); p != "" {
		fields["prompt"] = p
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", &ExecutionError{Stage: StagePreprocess, Message: "failed to build upload form", Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", &ExecutionError{Stage: StagePreprocess, Message: "failed to build upload form", Err: err}
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
