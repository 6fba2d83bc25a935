package binutil

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/process"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/gwutils"
)

var (
	processCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "godor",
		Name:      "process_cpu_percent",
		Help:      "CPU usage of the process",
	})
	processRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "godor",
		Name:      "process_rss_bytes",
		Help:      "Resident memory of the process",
	})
)

// ProcessStats is one sample of the process resource usage
type ProcessStats struct {
	CPUPercent float64
	RSS        uint64
	NumThreads int32
}

// SampleProcessStats reads the resource usage of the current process
func SampleProcessStats(ctx context.Context) (ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessStats{}, err
	}
	return sample(ctx, p)
}

func sample(ctx context.Context, p *process.Process) (ProcessStats, error) {
	var stats ProcessStats
	var err error
	if stats.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return stats, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return stats, err
	}
	stats.RSS = mem.RSS
	stats.NumThreads, _ = p.NumThreadsWithContext(ctx)
	return stats, nil
}

// LogProcessStats logs and exports the process resource usage every interval until ctx is done
func LogProcessStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		gwlog.Errorf("can not find own process: pid = %v: %v", pid, err)
		return
	}

	go gwutils.RepeatUntilPanicless(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			stats, err := sample(ctx, p)
			if err != nil {
				gwlog.Warnf("process stats: %v", err)
				continue
			}
			processCPUPercent.Set(stats.CPUPercent)
			processRSSBytes.Set(float64(stats.RSS))
			gwlog.Infof("process stats: cpu %.2f%% rss %dKB threads %d", stats.CPUPercent, stats.RSS/1024, stats.NumThreads)
		}
	})
}
