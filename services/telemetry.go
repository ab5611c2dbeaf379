package services

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemHealth is a point-in-time snapshot of the host used by the
// watchdog, the status reports and concurrency sizing.
type SystemHealth struct {
	CPUPercent     float64 `json:"cpu_percent"`
	RAMUsedGB      float64 `json:"ram_used_gb"`
	RAMTotalGB     float64 `json:"ram_total_gb"`
	RAMAvailableGB float64 `json:"ram_available_gb"`
	DiskFreeGB     float64 `json:"disk_free_gb"`
}

const bytesPerGB = 1024 * 1024 * 1024

// GetSystemHealth samples CPU, RAM and disk. Fields that cannot be read
// stay zero; callers never get an error out of a telemetry read.
func GetSystemHealth(diskPath string) SystemHealth {
	var health SystemHealth

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		health.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		health.RAMUsedGB = float64(vm.Used) / bytesPerGB
		health.RAMTotalGB = float64(vm.Total) / bytesPerGB
		health.RAMAvailableGB = float64(vm.Available) / bytesPerGB
	}

	if usage, err := disk.Usage(diskPath); err == nil {
		health.DiskFreeGB = float64(usage.Free) / bytesPerGB
	}

	return health
}

// DiskFree returns the free bytes on the filesystem holding path.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
