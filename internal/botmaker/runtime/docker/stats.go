package docker

import (
	"github.com/docker/docker/api/types/container"

	"github.com/openclaw/botmaker/internal/botmaker/runtime"
)

// statsFromRaw reduces one raw stats sample to the numbers the UI
// shows. The CPU percentage follows the docker CLI's calculation:
// container CPU delta over system CPU delta, scaled by the number of
// online CPUs.
func statsFromRaw(raw *container.StatsResponse) runtime.ContainerStats {
	var s runtime.ContainerStats

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		s.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}

	s.MemoryBytes = memoryUsage(raw.MemoryStats)
	if raw.MemoryStats.Limit > 0 {
		s.MemoryPercent = float64(s.MemoryBytes) / float64(raw.MemoryStats.Limit) * 100.0
	}

	for _, nw := range raw.Networks {
		s.NetRxBytes += nw.RxBytes
		s.NetTxBytes += nw.TxBytes
	}
	return s
}

// memoryUsage subtracts the reclaimable page cache from the raw usage
// figure, matching what docker stats reports. cgroup v2 reports the
// cache as inactive_file, cgroup v1 as total_inactive_file.
func memoryUsage(mem container.MemoryStats) uint64 {
	usage := mem.Usage
	if cache, ok := mem.Stats["inactive_file"]; ok && cache < usage {
		return usage - cache
	}
	if cache, ok := mem.Stats["total_inactive_file"]; ok && cache < usage {
		return usage - cache
	}
	return usage
}
