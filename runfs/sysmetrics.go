package runfs

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/whirr-ml/whirr/logger"
)

// SystemMetricsCollector samples host resource usage into system.jsonl on a
// fixed interval. Started by the Run library when system-metric capture is
// enabled; best-effort throughout, a host without readable counters just
// produces sparse records.
type SystemMetricsCollector struct {
	writer   *MetricsWriter
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSystemMetricsCollector prepares a collector writing to system.jsonl
// under runDir.
func NewSystemMetricsCollector(runDir string, interval time.Duration) (*SystemMetricsCollector, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	writer, err := NewMetricsWriter(runDir, SystemFile)
	if err != nil {
		return nil, err
	}
	return &SystemMetricsCollector{
		writer:   writer,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the sampling goroutine.
func (c *SystemMetricsCollector) Start() {
	go func() {
		defer close(c.done)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.sample()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

// Stop halts sampling and closes the stream. Blocks until the goroutine has
// finished its final write.
func (c *SystemMetricsCollector) Stop() {
	close(c.stop)
	<-c.done
	if err := c.writer.Close(); err != nil {
		logger.Logger.Warnw("Failed to close system metrics stream", "error", err)
	}
}

func (c *SystemMetricsCollector) sample() {
	record := map[string]interface{}{}

	if vm, err := mem.VirtualMemory(); err == nil {
		record["memory_used_gb"] = float64(vm.Used) / 1024 / 1024 / 1024
		record["memory_total_gb"] = float64(vm.Total) / 1024 / 1024 / 1024
		record["memory_percent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		record["cpu_percent"] = percents[0]
	}

	if len(record) == 0 {
		return
	}
	if err := c.writer.Append(record); err != nil {
		logger.Logger.Debugw("Failed to append system metrics", "error", err)
	}
}
