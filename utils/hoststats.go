package utils

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is the host-level part of a node's presence announcement.
type HostStats struct {
	CPUs          int
	CPUPercent    float64
	MemoryTotal   uint64
	MemoryUsed    uint64
	MemoryPercent float64
	GoRoutines    int
}

// CollectHostStats samples host memory and cpu. Probe failures leave the
// corresponding fields zero.
func CollectHostStats() HostStats {
	hs := HostStats{GoRoutines: runtime.NumGoroutine()}
	if n, err := cpu.Counts(true); err == nil {
		hs.CPUs = n
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemoryTotal = vm.Total
		hs.MemoryUsed = vm.Used
		hs.MemoryPercent = vm.UsedPercent
	}
	return hs
}
