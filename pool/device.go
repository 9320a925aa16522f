package pool

// DeviceType is where an engine instance runs.
type DeviceType string

const (
	DeviceAuto DeviceType = "auto"
	DeviceCPU  DeviceType = "cpu"
	DeviceCUDA DeviceType = "cuda"
)

// Allocation is the concrete device assignment for one instance.
type Allocation struct {
	Device      DeviceType
	Index       int
	ComputeType string
}

// AllocateDevice picks the device for instance index. Auto or empty selects
// CUDA when accelerators are visible and CPU otherwise. CUDA instances are
// spread round-robin across accelerators. CPU allocations use cpuComputeType
// when the engine declares one.
func AllocateDevice(index int, requested DeviceType, computeType, cpuComputeType string, accelerators int) Allocation {
	device := requested
	if device == "" || device == DeviceAuto {
		if accelerators > 0 {
			device = DeviceCUDA
		} else {
			device = DeviceCPU
		}
	}

	if device == DeviceCUDA && accelerators > 0 {
		return Allocation{
			Device:      DeviceCUDA,
			Index:       index % accelerators,
			ComputeType: computeType,
		}
	}

	if cpuComputeType != "" {
		computeType = cpuComputeType
	}
	return Allocation{Device: DeviceCPU, ComputeType: computeType}
}

// ShouldClearCache decides whether destroying an instance with allocation a
// clears the accelerator memory cache. Only a single-accelerator host is
// cleared, since with more devices other live instances share the cache.
func ShouldClearCache(accelerators int, a Allocation) bool {
	return a.Device == DeviceCUDA && accelerators == 1
}

// ComputeOptimalSize corrects the requested pool capacity for the topology.
func ComputeOptimalSize(requested int, topo Topology, maxPerAccelerator int) int {
	if requested < 1 {
		requested = 1
	}
	if maxPerAccelerator < 1 {
		maxPerAccelerator = 1
	}

	switch n := topo.Accelerators(); {
	case n <= 0:
		threads := topo.CPUThreads()
		if threads <= 4 {
			return 1
		}
		return min(requested, threads/2)
	case n == 1:
		return 1
	default:
		return min(requested, n*maxPerAccelerator)
	}
}
