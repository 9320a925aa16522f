package pool

import (
	"sync"

	"github.com/jupark12/transcribe-queue/engine"
)

var (
	sharedMu   sync.Mutex
	shared     *Pool
	sharedOpts optionsKey
)

// optionsKey is the comparable part of Options.
type optionsKey struct {
	kind              engine.Kind
	model             string
	binary            string
	ffmpeg            string
	serverURL         string
	computeType       string
	threads           int
	minSize           int
	maxSize           int
	maxPerAccelerator int
	initWithMaxSize   bool
	device            DeviceType
}

func keyOf(o Options) optionsKey {
	return optionsKey{
		kind:              o.EngineKind,
		model:             o.Engine.Model,
		binary:            o.Engine.Binary,
		ffmpeg:            o.Engine.FFmpeg,
		serverURL:         o.Engine.ServerURL,
		computeType:       o.Engine.ComputeType,
		threads:           o.Engine.Threads,
		minSize:           o.MinSize,
		maxSize:           o.MaxSize,
		maxPerAccelerator: o.MaxPerAccelerator,
		initWithMaxSize:   o.InitWithMaxSize,
		device:            o.Device,
	}
}

// Shared returns the process-wide pool, building it on first use. Later calls
// with the same options return the same pool; different options fail with
// ErrSharedConfigMismatch.
func Shared(opts Options) (*Pool, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	key := keyOf(opts)
	if shared != nil {
		if key != sharedOpts {
			return nil, ErrSharedConfigMismatch
		}
		return shared, nil
	}

	p, err := New(opts)
	if err != nil {
		return nil, err
	}
	shared = p
	sharedOpts = key
	return p, nil
}

// ResetShared forgets the process-wide pool without closing it.
func ResetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = nil
	sharedOpts = optionsKey{}
}
