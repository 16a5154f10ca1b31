// Package metrics exposes the agent's Prometheus endpoint: host resource
// gauges sampled on an interval, plus task handling counters fed by the
// agent loop.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Metrics owns the registry and all instruments.
type Metrics struct {
	registry *prometheus.Registry
	log      *zap.Logger

	cpuPercent   prometheus.Gauge
	memoryUsed   prometheus.Gauge
	memoryTotal  prometheus.Gauge
	diskUsed     *prometheus.GaugeVec
	diskTotal    *prometheus.GaugeVec
	tasksHandled *prometheus.CounterVec
	diskPaths    map[string]string
}

// New builds a Metrics with the named disk paths tracked, e.g.
// {"workdir": "/srv/work"}.
func New(diskPaths map[string]string, log *zap.Logger) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		log:       log,
		diskPaths: diskPaths,
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raprunner_agent_cpu_percent",
			Help: "Host CPU utilisation, percent.",
		}),
		memoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raprunner_agent_memory_used_bytes",
			Help: "Host memory in use, bytes.",
		}),
		memoryTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raprunner_agent_memory_total_bytes",
			Help: "Host memory total, bytes.",
		}),
		diskUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raprunner_agent_disk_used_bytes",
			Help: "Disk space in use on tracked paths, bytes.",
		}, []string{"path"}),
		diskTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raprunner_agent_disk_total_bytes",
			Help: "Disk space total on tracked paths, bytes.",
		}, []string{"path"}),
		tasksHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raprunner_agent_tasks_handled_total",
			Help: "Tasks handled by the agent loop, by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	m.registry.MustRegister(m.cpuPercent, m.memoryUsed, m.memoryTotal,
		m.diskUsed, m.diskTotal, m.tasksHandled)
	return m
}

// TaskHandled counts one handled task.
func (m *Metrics) TaskHandled(taskType, outcome string) {
	if m == nil {
		return
	}
	m.tasksHandled.WithLabelValues(taskType, outcome).Inc()
}

// Poll samples host resources until the context is cancelled.
func (m *Metrics) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sample(ctx context.Context) {
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.cpuPercent.Set(percents[0])
	} else if err != nil {
		m.log.Warn("sampling cpu failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.memoryUsed.Set(float64(vm.Used))
		m.memoryTotal.Set(float64(vm.Total))
	} else {
		m.log.Warn("sampling memory failed", zap.Error(err))
	}

	for name, path := range m.diskPaths {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			m.log.Warn("sampling disk failed",
				zap.String("path", path), zap.Error(err))
			continue
		}
		m.diskUsed.WithLabelValues(name).Set(float64(usage.Used))
		m.diskTotal.WithLabelValues(name).Set(float64(usage.Total))
	}
}

// Serve exposes /metrics on the port until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry,
		promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
