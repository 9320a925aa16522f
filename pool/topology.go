package pool

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Topology reports the compute resources visible to the process.
type Topology interface {
	Accelerators() int
	CPUThreads() int
}

// StaticTopology is a fixed Topology, used for tests and explicit overrides.
type StaticTopology struct {
	AcceleratorCount int
	Threads          int
}

func (t StaticTopology) Accelerators() int { return t.AcceleratorCount }
func (t StaticTopology) CPUThreads() int   { return t.Threads }

const nvidiaSMITimeout = 5 * time.Second

// SystemTopology probes the host. Accelerators come from CUDA_VISIBLE_DEVICES
// when it is set, otherwise from `nvidia-smi -L`; a missing tool means none.
func SystemTopology(ctx context.Context) StaticTopology {
	return StaticTopology{
		AcceleratorCount: detectAccelerators(ctx),
		Threads:          runtime.NumCPU(),
	}
}

func detectAccelerators(ctx context.Context) int {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		return countVisibleDevices(v)
	}

	ctx, cancel := context.WithTimeout(ctx, nvidiaSMITimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", "-L").Output()
	if err != nil {
		return 0
	}
	return countGPULines(out)
}

func countVisibleDevices(v string) int {
	v = strings.TrimSpace(v)
	if v == "" || v == "-1" || strings.EqualFold(v, "NoDevFiles") {
		return 0
	}
	n := 0
	for _, part := range strings.Split(v, ",") {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

func countGPULines(out []byte) int {
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if strings.HasPrefix(strings.TrimSpace(scanner.Text()), "GPU ") {
			n++
		}
	}
	return n
}
