// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jupark12/transcribe-queue/engine"
)

// Factory is a fake engine.Factory that records its calls.
type Factory struct {
	// FailCreates makes the first N Create calls fail.
	FailCreates int32
	// Gate, when set, holds every Create until it receives a value or is
	// closed. Create returns ctx.Err() if ctx ends first.
	Gate chan struct{}
	// Entered receives once per Create call, before Gate is consulted.
	Entered chan struct{}
	// RunFunc replaces the default run, which echoes the input path.
	RunFunc func(ctx context.Context, in engine.Input, options map[string]any) (engine.Result, error)

	created atomic.Int32
	closed  atomic.Int32
	attempt atomic.Int32

	mu      sync.Mutex
	configs []engine.Config
	cleared []int
}

// Register installs a fresh Factory under a kind unique to t.
func Register(t testing.TB) (engine.Kind, *Factory) {
	t.Helper()
	kind := engine.Kind("fake_" + t.Name())
	f := &Factory{}
	engine.Register(kind, f)
	return kind, f
}

// Create implements engine.Factory.
func (f *Factory) Create(ctx context.Context, cfg engine.Config) (engine.Handle, error) {
	if f.Entered != nil {
		select {
		case f.Entered <- struct{}{}:
		default:
		}
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.attempt.Add(1) <= f.FailCreates {
		return nil, errors.New("fake model load failed")
	}
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	f.created.Add(1)
	return &Handle{factory: f, Config: cfg}, nil
}

// CPUComputeType implements engine.Factory.
func (f *Factory) CPUComputeType() string { return "float32" }

// ClearCache implements engine.CacheClearer.
func (f *Factory) ClearCache(deviceIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, deviceIndex)
	return nil
}

// Created is the number of successful Create calls.
func (f *Factory) Created() int { return int(f.created.Load()) }

// Closed is the number of handles closed.
func (f *Factory) Closed() int { return int(f.closed.Load()) }

// Configs returns the configs passed to successful Create calls.
func (f *Factory) Configs() []engine.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Config(nil), f.configs...)
}

// Cleared returns the device indexes passed to ClearCache.
func (f *Factory) Cleared() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.cleared...)
}

// Handle is a fake engine.Handle.
type Handle struct {
	Config  engine.Config
	factory *Factory
	closed  atomic.Bool
}

// Run implements engine.Handle.
func (h *Handle) Run(ctx context.Context, in engine.Input, options map[string]any) (engine.Result, error) {
	if h.closed.Load() {
		return engine.Result{}, errors.New("handle closed")
	}
	if h.factory != nil && h.factory.RunFunc != nil {
		return h.factory.RunFunc(ctx, in, options)
	}
	return engine.Result{
		Text:     "transcript of " + in.Path,
		Language: "en",
		Segments: []engine.Segment{{ID: 0, Start: 0, End: 1, Text: "transcript of " + in.Path}},
	}, nil
}

// Close implements engine.Handle.
func (h *Handle) Close() error {
	if h.closed.CompareAndSwap(false, true) && h.factory != nil {
		h.factory.closed.Add(1)
	}
	return nil
}
