package metrics

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a snapshot of this process's resource usage.
type ProcessStats struct {
	RSS        uint64  `json:"rss"`
	VMS        uint64  `json:"vms"`
	CPUPercent float64 `json:"cpu_percent"`
	NumThreads int32   `json:"num_threads"`
}

func (s ProcessStats) KeysAndValues() []any {
	return []any{
		"rss_mb", s.RSS >> 20,
		"vms_mb", s.VMS >> 20,
		"cpu_percent", s.CPUPercent,
		"threads", s.NumThreads,
	}
}

func CurrentProcess() (ProcessStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get process: %w", err)
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get CPU percent: %w", err)
	}

	threads, err := proc.NumThreads()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get thread count: %w", err)
	}

	return ProcessStats{
		RSS:        memInfo.RSS,
		VMS:        memInfo.VMS,
		CPUPercent: cpuPercent,
		NumThreads: threads,
	}, nil
}
