// Package pool lends a bounded set of speech engine instances to concurrent
// callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jupark12/transcribe-queue/engine"
)

// Strategy controls what Acquire does when no instance is idle.
type Strategy string

const (
	// StrategyExisting waits for an idle instance and creates one on timeout
	// if the pool is below capacity.
	StrategyExisting Strategy = "existing"
	// StrategyDynamic only waits.
	StrategyDynamic Strategy = "dynamic"
)

var (
	ErrPoolExhausted        = errors.New("engine pool exhausted, all instances are in use")
	ErrPoolClosed           = errors.New("engine pool is closed")
	ErrNotLeased            = errors.New("instance is not leased from this pool")
	ErrSharedConfigMismatch = errors.New("shared engine pool already built with different options")
)

// PoolInitError reports a failed instance creation.
type PoolInitError struct {
	Index int
	Err   error
}

func (e *PoolInitError) Error() string {
	return fmt.Sprintf("failed to create engine instance %d: %v", e.Index, e.Err)
}

func (e *PoolInitError) Unwrap() error { return e.Err }

// Options configures a Pool.
type Options struct {
	EngineKind        engine.Kind
	Engine            engine.Config
	MinSize           int
	MaxSize           int
	MaxPerAccelerator int
	InitWithMaxSize   bool
	Device            DeviceType
	Topology          Topology
	Logger            *slog.Logger
}

// Instance is one engine handle owned by a Pool.
type Instance struct {
	Index      int
	Allocation Allocation
	CreatedAt  time.Time

	handle  engine.Handle
	invalid bool
}

// Run executes the engine. Only the current lessee may call it.
func (i *Instance) Run(ctx context.Context, in engine.Input, options map[string]any) (engine.Result, error) {
	return i.handle.Run(ctx, in, options)
}

// Invalidate marks the instance so Release destroys it instead of reusing it.
func (i *Instance) Invalidate() { i.invalid = true }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size    int `json:"size"`
	MaxSize int `json:"max_size"`
	MinSize int `json:"min_size"`
	Idle    int `json:"idle"`
	Leased  int `json:"leased"`
}

// Pool owns engine instances. The idle queue is a channel with capacity
// MaxSize, so size never exceeds capacity and a full queue is detectable.
type Pool struct {
	opts         Options
	factory      engine.Factory
	accelerators int
	minSize      int
	maxSize      int
	logger       *slog.Logger

	idle chan *Instance

	mu        sync.Mutex
	size      int
	nextIndex int
	live      map[*Instance]struct{}
	leased    map[*Instance]struct{}
	closed    bool

	// createSem serializes factory calls.
	createSem chan struct{}

	initMu      sync.Mutex
	initialized bool
}

// New builds a pool without creating any instance. An unregistered engine
// kind is an error.
func New(opts Options) (*Pool, error) {
	factory, err := engine.Lookup(opts.EngineKind)
	if err != nil {
		return nil, err
	}
	if opts.MinSize <= 0 {
		opts.MinSize = 1
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}
	if opts.MinSize > opts.MaxSize {
		return nil, fmt.Errorf("min size %d cannot be greater than max size %d", opts.MinSize, opts.MaxSize)
	}
	if opts.MaxPerAccelerator <= 0 {
		opts.MaxPerAccelerator = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Topology == nil {
		opts.Topology = SystemTopology(context.Background())
	}
	opts.Engine.Kind = opts.EngineKind

	maxSize := ComputeOptimalSize(opts.MaxSize, opts.Topology, opts.MaxPerAccelerator)
	opts.Logger.Info("engine pool capacity computed",
		"engine", opts.EngineKind,
		"requested", opts.MaxSize,
		"max_size", maxSize,
		"accelerators", opts.Topology.Accelerators(),
		"cpu_threads", opts.Topology.CPUThreads(),
		"max_per_accelerator", opts.MaxPerAccelerator,
	)

	return &Pool{
		opts:         opts,
		factory:      factory,
		accelerators: opts.Topology.Accelerators(),
		minSize:      min(opts.MinSize, maxSize),
		maxSize:      maxSize,
		logger:       opts.Logger,
		idle:         make(chan *Instance, maxSize),
		createSem:    make(chan struct{}, 1),
		live:         make(map[*Instance]struct{}),
		leased:       make(map[*Instance]struct{}),
	}, nil
}

// MaxSize returns the corrected capacity.
func (p *Pool) MaxSize() int { return p.maxSize }

// Initialize creates target instances one at a time. A target of zero or less
// means MaxSize when InitWithMaxSize is set and MinSize otherwise. Creation
// failures are logged and skipped; created instances are kept.
func (p *Pool) Initialize(ctx context.Context, target int) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.initialized {
		p.logger.Info("engine pool already initialized, skipping")
		return nil
	}

	if target <= 0 {
		target = p.minSize
		if p.opts.InitWithMaxSize {
			target = p.maxSize
		}
	}
	target = min(target, p.maxSize)

	p.logger.Info("initializing engine pool", "engine", p.opts.EngineKind, "instances", target,
		"min_size", p.minSize, "max_size", p.maxSize)

	created := 0
	for i := 0; i < target; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		inst, err := p.create(ctx)
		if err != nil {
			p.logger.Error("engine instance creation failed", "error", err)
			continue
		}
		if p.enqueue(inst) {
			created++
		}
	}

	p.initialized = created > 0 || target == 0
	p.logger.Info("engine pool initialized", "created", created, "requested", target)
	return nil
}

// Acquire leases an idle instance, waiting up to timeout. A timeout of zero
// or less polls once. With StrategyExisting a new instance is created on
// timeout when below capacity. Any other strategy only waits.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration, strategy Strategy) (*Instance, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	inst, err := p.waitIdle(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		p.lease(inst)
		p.logger.Debug("engine instance leased", "instance", inst.Index, "strategy", strategy)
		return inst, nil
	}

	if strategy != StrategyExisting {
		p.logger.Warn("no idle engine instance within timeout", "timeout", timeout, "strategy", strategy)
		return nil, ErrPoolExhausted
	}

	inst, err = p.create(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			p.logger.Warn("all engine instances in use and pool at capacity", "max_size", p.maxSize)
		}
		return nil, err
	}
	p.lease(inst)
	p.logger.Info("created engine instance on demand", "instance", inst.Index)
	return inst, nil
}

func (p *Pool) waitIdle(ctx context.Context, timeout time.Duration) (*Instance, error) {
	if timeout <= 0 {
		select {
		case inst := <-p.idle:
			return inst, nil
		default:
			return nil, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case inst := <-p.idle:
		return inst, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a leased instance. Invalid instances, returns to a closed
// pool and returns that would overflow the idle queue destroy the instance.
// Releasing an instance twice or one from another pool returns ErrNotLeased.
func (p *Pool) Release(inst *Instance) error {
	if inst == nil {
		return ErrNotLeased
	}

	p.mu.Lock()
	_, owned := p.live[inst]
	_, leased := p.leased[inst]
	if owned && leased {
		delete(p.leased, inst)
	}
	p.mu.Unlock()

	if !owned || !leased {
		p.logger.Warn("rejected release of instance not leased from pool", "instance", inst.Index)
		return ErrNotLeased
	}

	if inst.invalid {
		p.Destroy(inst)
		return nil
	}

	if p.enqueue(inst) {
		p.logger.Debug("engine instance returned", "instance", inst.Index, "idle", len(p.idle))
	} else {
		p.logger.Warn("engine instance not requeued, destroyed", "instance", inst.Index)
	}
	return nil
}

// Destroy disposes of inst and decrements the live count, floored at zero.
func (p *Pool) Destroy(inst *Instance) {
	if inst == nil {
		return
	}

	p.mu.Lock()
	_, owned := p.live[inst]
	delete(p.live, inst)
	delete(p.leased, inst)
	p.mu.Unlock()

	if err := inst.handle.Close(); err != nil {
		p.logger.Error("failed to close engine instance", "instance", inst.Index, "error", err)
	}
	if !owned {
		return
	}

	if ShouldClearCache(p.accelerators, inst.Allocation) {
		if cc, ok := p.factory.(engine.CacheClearer); ok {
			if err := cc.ClearCache(inst.Allocation.Index); err != nil {
				p.logger.Error("failed to clear accelerator cache", "device", inst.Allocation.Index, "error", err)
			} else {
				p.logger.Info("accelerator cache cleared", "device", inst.Allocation.Index)
			}
		}
	} else if inst.Allocation.Device == DeviceCUDA {
		p.logger.Info("skipping accelerator cache clear on multi-accelerator host", "instance", inst.Index)
	}

	p.mu.Lock()
	p.size = max(0, p.size-1)
	size := p.size
	p.mu.Unlock()
	p.logger.Info("engine instance destroyed", "instance", inst.Index, "size", size, "max_size", p.maxSize)
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.size,
		MaxSize: p.maxSize,
		MinSize: p.minSize,
		Idle:    len(p.idle),
		Leased:  len(p.leased),
	}
}

// Close stops lending and destroys idle instances. Leased instances are
// destroyed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case inst := <-p.idle:
			p.Destroy(inst)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// create builds one instance. The slot is reserved under mu before anything
// else, so a full pool fails immediately. Factory calls then run one at a
// time; waiting for the turn honours ctx and gives the slot back on cancel.
func (p *Pool) create(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.size >= p.maxSize {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	index := p.nextIndex
	p.nextIndex++
	p.size++
	p.mu.Unlock()

	select {
	case p.createSem <- struct{}{}:
	case <-ctx.Done():
		p.unreserve()
		return nil, ctx.Err()
	}
	defer func() { <-p.createSem }()

	alloc := AllocateDevice(index, p.opts.Device, p.opts.Engine.ComputeType, p.factory.CPUComputeType(), p.accelerators)
	cfg := p.opts.Engine
	cfg.Device = string(alloc.Device)
	cfg.DeviceIndex = alloc.Index
	cfg.ComputeType = alloc.ComputeType
	if cfg.Logger == nil {
		cfg.Logger = p.logger
	}

	p.logger.Info("creating engine instance",
		"engine", p.opts.EngineKind,
		"instance", index,
		"device", alloc.Device,
		"device_index", alloc.Index,
		"compute_type", alloc.ComputeType,
	)

	start := time.Now()
	h, err := p.factory.Create(ctx, cfg)
	if err != nil {
		p.unreserve()
		return nil, &PoolInitError{Index: index, Err: err}
	}

	inst := &Instance{Index: index, Allocation: alloc, CreatedAt: time.Now(), handle: h}
	p.mu.Lock()
	p.live[inst] = struct{}{}
	size := p.size
	p.mu.Unlock()

	p.logger.Info("engine instance created", "instance", index, "load_time", time.Since(start), "size", size)
	return inst, nil
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.size = max(0, p.size-1)
	p.mu.Unlock()
}

// enqueue puts inst on the idle queue unless the pool is closed or the queue
// is full, in which case inst is destroyed. The closed check and the send
// share one critical section so Close never misses an instance.
func (p *Pool) enqueue(inst *Instance) bool {
	p.mu.Lock()
	queued := false
	if !p.closed {
		select {
		case p.idle <- inst:
			queued = true
		default:
		}
	}
	p.mu.Unlock()

	if !queued {
		p.Destroy(inst)
	}
	return queued
}

func (p *Pool) lease(inst *Instance) {
	p.mu.Lock()
	p.leased[inst] = struct{}{}
	p.mu.Unlock()
}
