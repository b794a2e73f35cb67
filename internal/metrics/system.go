package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	hostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classdesk_api_host_cpu_percent",
		Help: "Host CPU usage percent",
	})

	hostMemoryUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classdesk_api_host_memory_used_percent",
		Help: "Host memory usage percent",
	})
)

/* StartHostCollector samples host CPU and memory usage on an interval until
the context is cancelled */
func StartHostCollector(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}

func sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		hostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hostMemoryUsedPercent.Set(vm.UsedPercent)
	}
}
