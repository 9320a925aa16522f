// Package engine defines the speech-recognition engine capability used by the
// pool and the built-in whisper.cpp implementations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Kind names an engine implementation.
type Kind string

const (
	KindWhisperCPP    Kind = "whisper_cpp"
	KindWhisperServer Kind = "whisper_server"
)

// Task selects transcription or translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ErrUnknownKind is returned by Lookup for unregistered kinds.
var ErrUnknownKind = errors.New("unknown engine kind")

// Config describes one engine instance.
type Config struct {
	Kind        Kind
	Model       string
	Device      string
	DeviceIndex int
	ComputeType string
	Binary      string
	FFmpeg      string
	ServerURL   string
	Threads     int
	TempDir     string
	Logger      *slog.Logger
}

// Input is the media an engine run reads.
type Input struct {
	Path string
	Task Task
}

// Segment is one timed piece of transcript.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the outcome of a successful run.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// ToMap converts r into the opaque result map stored on a job.
func (r Result) ToMap() map[string]any {
	segments := make([]any, 0, len(r.Segments))
	for _, s := range r.Segments {
		segments = append(segments, map[string]any{
			"id":    s.ID,
			"start": s.Start,
			"end":   s.End,
			"text":  s.Text,
		})
	}
	return map[string]any{
		"text":     r.Text,
		"language": r.Language,
		"duration": r.Duration,
		"segments": segments,
	}
}

// Handle is a live engine instance. A Handle is used by one job at a time.
type Handle interface {
	Run(ctx context.Context, in Input, options map[string]any) (Result, error)
	Close() error
}

// Factory creates handles of one kind.
type Factory interface {
	Create(ctx context.Context, cfg Config) (Handle, error)
	// CPUComputeType is the compute type forced when running on CPU.
	CPUComputeType() string
}

// CacheClearer is implemented by factories that hold accelerator memory
// beyond the lifetime of a handle.
type CacheClearer interface {
	ClearCache(deviceIndex int) error
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Factory{}
)

// Register makes a factory available under kind, replacing any previous one.
func Register(kind Kind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Lookup returns the factory registered for kind.
func Lookup(kind Kind) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f, nil
}

// Kinds lists registered kinds in sorted order.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	Register(KindWhisperCPP, NewCLIFactory())
	Register(KindWhisperServer, NewServerFactory(nil))
}
