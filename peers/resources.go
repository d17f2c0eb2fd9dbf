package peers

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/driftfs/metarepl/core"
)

// SampleResources takes a point-in-time reading of local CPU and memory
// utilization for inclusion in outgoing peer status updates. A failed CPU
// or memory probe leaves the corresponding field at zero rather than
// failing the sample; resource reporting is advisory.
func SampleResources() *core.ResourceSnapshot {
	snap := &core.ResourceSnapshot{SampledAt: time.Now().UTC()}

	// Non-blocking read: percentage since the previous call.
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		snap.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemPercent = vm.UsedPercent
	}
	return snap
}
