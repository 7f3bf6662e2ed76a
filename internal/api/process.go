package api

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/process"
)

type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
}

// processProbe reads resource usage of the running server.
type processProbe struct {
	proc *process.Process
	log  *slog.Logger
}

func newProcessProbe(log *slog.Logger) *processProbe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("Process stats unavailable", slog.Any("error", err))
	}
	return &processProbe{proc: proc, log: log}
}

// Stats returns nil when the probe could not attach to the process.
func (p *processProbe) Stats() *ProcessStats {
	if p == nil || p.proc == nil {
		return nil
	}
	stats := &ProcessStats{PID: p.proc.Pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := p.proc.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	} else {
		p.log.Debug("Failed to read memory info", slog.Any("error", err))
	}
	if cpu, err := p.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	} else {
		p.log.Debug("Failed to read cpu usage", slog.Any("error", err))
	}
	return stats
}
