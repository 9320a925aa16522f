package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jupark12/transcribe-queue/audio"
)

const (
	defaultWhisperBinary = "whisper-cli"
	defaultFFmpegBinary  = "ffmpeg"
)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// CLIFactory creates handles that shell out to the whisper.cpp CLI.
type CLIFactory struct {
	runner commandRunner
}

// NewCLIFactory constructs the production CLI factory.
func NewCLIFactory() *CLIFactory {
	return &CLIFactory{runner: &execRunner{}}
}

// CPUComputeType implements Factory.
func (f *CLIFactory) CPUComputeType() string { return "float32" }

// Create validates the model path and returns a handle bound to cfg.
func (f *CLIFactory) Create(_ context.Context, cfg Config) (Handle, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, &ExecutionError{Stage: StageLoad, Message: "model path is required"}
	}
	if _, err := os.Stat(model); err != nil {
		return nil, &ExecutionError{
			Stage:   StageLoad,
			Message: fmt.Sprintf("cannot access model path: %s", model),
			Err:     err,
		}
	}
	if cfg.Binary == "" {
		cfg.Binary = defaultWhisperBinary
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = defaultFFmpegBinary
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cliHandle{cfg: cfg, runner: f.runner}, nil
}

type cliHandle struct {
	cfg    Config
	runner commandRunner
	closed atomic.Bool
}

func (h *cliHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *cliHandle) Run(ctx context.Context, in Input, options map[string]any) (Result, error) {
	if h.closed.Load() {
		return Result{}, &ExecutionError{Stage: StageLoad, Message: "engine handle is closed"}
	}
	if strings.TrimSpace(in.Path) == "" {
		return Result{}, &ExecutionError{Stage: StagePreprocess, Message: "input media path is required"}
	}
	if _, err := os.Stat(in.Path); err != nil {
		return Result{}, &ExecutionError{
			Stage:   StagePreprocess,
			Message: fmt.Sprintf("cannot access input media: %s", in.Path),
			Err:     err,
		}
	}

	tempDir, err := os.MkdirTemp(h.cfg.TempDir, "whisper-*")
	if err != nil {
		return Result{}, &ExecutionError{Stage: StagePreprocess, Message: "failed to create temporary workspace", Err: err}
	}
	defer os.RemoveAll(tempDir)

	wavPath := filepath.Join(tempDir, "input-16k-mono.wav")
	if err := h.preprocess(ctx, in.Path, wavPath); err != nil {
		return Result{}, err
	}

	outBase := filepath.Join(tempDir, "transcript")
	args := buildWhisperArgs(h.cfg, wavPath, outBase, in.Task, options)
	res, runErr := h.runner.Run(ctx, h.cfg.Binary, args...)
	log := CommandLog{Command: h.cfg.Binary, Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if runErr != nil {
		return Result{}, &ExecutionError{
			Stage:      StageTranscribe,
			Message:    "whisper.cpp transcription failed",
			CommandLog: log,
			Err:        runErr,
		}
	}

	data, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return Result{}, &ExecutionError{
			Stage:      StageDecode,
			Message:    "whisper.cpp completed but transcript .json file is missing",
			CommandLog: log,
			Err:        err,
		}
	}

	result, err := parseWhisperJSON(data)
	if err != nil {
		return Result{}, &ExecutionError{Stage: StageDecode, Message: "failed to parse whisper.cpp output", Err: err}
	}
	if d, err := audio.ProbeDuration(wavPath); err == nil {
		result.Duration = d
	}
	return result, nil
}

// preprocess writes a 16 kHz mono WAV to out. WAV input is converted
// in-process; anything else, or a WAV the decoder rejects, goes through ffmpeg.
func (h *cliHandle) preprocess(ctx context.Context, src, out string) error {
	if audio.IsWAV(src) {
		err := audio.NormalizeWAV(src, out)
		if err == nil {
			return nil
		}
		h.cfg.Logger.Debug("in-process wav conversion failed, falling back to ffmpeg", "path", src, "error", err)
	}

	args := buildFFmpegArgs(src, out)
	res, err := h.runner.Run(ctx, h.cfg.FFmpeg, args...)
	if err != nil {
		return &ExecutionError{
			Stage:      StagePreprocess,
			Message:    "ffmpeg audio conversion failed",
			CommandLog: CommandLog{Command: h.cfg.FFmpeg, Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr},
			Err:        err,
		}
	}
	return nil
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(audio.TargetSampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for JSON transcript export.
func buildWhisperArgs(cfg Config, audioPath, outBase string, task Task, opts map[string]any) []string {
	args := []string{
		"-m", cfg.Model,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
	}

	if lang := normalizeLanguage(optString(opts, OptLanguage)); lang != "" {
		args = append(args, "-l", lang)
	} else {
		args = append(args, "-l", "auto")
	}
	if task == TaskTranslate {
		args = append(args, "-tr")
	}
	if cfg.Device == "cpu" {
		args = append(args, "-ng")
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	if t, ok := optFloat(opts, OptTemperature); ok {
		args = append(args, "-tp", strconv.FormatFloat(t, 'f', -1, 64))
	}
	if n, ok := optInt(opts, OptBeamSize); ok {
		args = append(args, "-bs", strconv.Itoa(n))
	}
	if n, ok := optInt(opts, OptBestOf); ok {
		args = append(args, "-bo", strconv.Itoa(n))
	}
	if p := optString(opts, OptInitialPrompt); p != "" {
		args = append(args, "--prompt", p)
	}
	return args
}

type whisperJSON struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(data []byte) (Result, error) {
	var out whisperJSON
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, err
	}

	result := Result{Language: out.Result.Language, Segments: make([]Segment, 0, len(out.Transcription))}
	var text strings.Builder
	for i, t := range out.Transcription {
		result.Segments = append(result.Segments, Segment{
			ID:    i,
			Start: float64(t.Offsets.From) / 1000,
			End:   float64(t.Offsets.To) / 1000,
			Text:  strings.TrimSpace(t.Text),
		})
		text.WriteString(t.Text)
	}
	result.Text = strings.TrimSpace(text.String())
	if n := len(result.Segments); n > 0 {
		result.Duration = result.Segments[n-1].End
	}
	return result, nil
}
