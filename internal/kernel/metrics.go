package kernel

import (
	"context"
	"runtime"
	"runtime/metrics"
	"time"

	"github.com/aether/aether/internal/events"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// ClusterInfo describes this node. The kernel runs single-node;
// multi-node membership is out of scope, so the "cluster" is always one
// entry.
type ClusterInfo struct {
	NodeID       string `json:"nodeId"`
	StartedAt    int64  `json:"startedAt"`
	UptimeSec    int64  `json:"uptimeSec"`
	ProcessCount int    `json:"processCount"`
	MaxProcesses int    `json:"maxProcesses"`
	Ephemeral    bool   `json:"ephemeral"`
}

// Cluster returns the single-node cluster view.
func (k *Kernel) Cluster() ClusterInfo {
	return ClusterInfo{
		NodeID:       k.nodeID,
		StartedAt:    k.startedAt.UnixMilli(),
		UptimeSec:    int64(time.Since(k.startedAt).Seconds()),
		ProcessCount: len(k.Table.List("")),
		MaxProcesses: k.cfg.Kernel.MaxProcesses,
		Ephemeral:    k.store.Ephemeral,
	}
}

func (k *Kernel) sampleLoop() {
	defer close(k.metricsDone)
	interval := time.Duration(k.cfg.Kernel.MetricsSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastWall := time.Now()
	lastCPU := cpuSeconds()
	for {
		select {
		case <-k.stopMetrics:
			return
		case <-ticker.C:
			now := time.Now()
			cpu := cpuSeconds()
			k.Sample(context.Background(), cpuPercent(cpu-lastCPU, now.Sub(lastWall)))
			lastWall, lastCPU = now, cpu
		}
	}
}

// Sample records one metrics row and emits kernel.metrics.
func (k *Kernel) Sample(ctx context.Context, cpu float64) *v1.KernelMetric {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	live := 0
	for _, p := range k.Table.List("") {
		if !p.State.Terminal() {
			live++
		}
	}
	m := &v1.KernelMetric{
		Timestamp:    time.Now().UnixMilli(),
		ProcessCount: live,
		CPUPercent:   cpu,
		MemoryMB:     float64(ms.Alloc) / (1024 * 1024),
		// Agents run in-process on this node; container accounting
		// belongs to the sandbox broker.
		ContainerCount: 0,
	}
	if err := k.store.InsertMetric(ctx, m); err != nil {
		k.logger.WithError(err).Warn("failed to persist metrics sample")
	}
	k.bus.Emit(events.New(events.KernelMetrics, events.MetricsEvent{Metric: *m}))
	return m
}

// cpuSeconds returns cumulative CPU consumed by the process as reported
// by the runtime.
func cpuSeconds() float64 {
	sample := []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() == metrics.KindFloat64 {
		return sample[0].Value.Float64()
	}
	return 0
}

func cpuPercent(cpuDelta float64, wall time.Duration) float64 {
	if wall <= 0 || cpuDelta < 0 {
		return 0
	}
	return cpuDelta / wall.Seconds() * 100
}
