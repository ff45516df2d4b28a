package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector samples host CPU and memory on an interval.
type SystemCollector struct {
	cpuUsage    *prometheus.GaugeVec
	memoryUsage *prometheus.GaugeVec
	interval    time.Duration
	logger      zerolog.Logger

	cpuPercent func() ([]float64, error)
	virtualMem func() (*mem.VirtualMemoryStat, error)
}

func NewSystemCollector(m *Metrics, interval time.Duration, logger zerolog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &SystemCollector{
		cpuUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Current CPU usage percentage",
		}, []string{"core"}),
		memoryUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "system_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		}, []string{"type"}),
		interval:   interval,
		logger:     logger,
		cpuPercent: func() ([]float64, error) { return cpu.Percent(0, true) },
		virtualMem: mem.VirtualMemory,
	}
	m.registry.MustRegister(s.cpuUsage, s.memoryUsage)
	return s
}

// Run collects until ctx is cancelled.
func (s *SystemCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *SystemCollector) collect() {
	if percentages, err := s.cpuPercent(); err == nil {
		for i, p := range percentages {
			s.cpuUsage.WithLabelValues(fmt.Sprintf("cpu%d", i)).Set(p)
		}
	} else {
		s.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if vm, err := s.virtualMem(); err == nil {
		s.memoryUsage.WithLabelValues("total").Set(float64(vm.Total))
		s.memoryUsage.WithLabelValues("available").Set(float64(vm.Available))
		s.memoryUsage.WithLabelValues("used").Set(float64(vm.Used))
	} else {
		s.logger.Debug().Err(err).Msg("memory sample failed")
	}
}
