package sampler

import (
	"context"
	"time"
)

// Snapshot is one tick's worth of host metrics. JSON keys are the ones
// published in the shadow's reported state.
type Snapshot struct {
	CPUUsagePct    float64 `json:"cpu_usage"`
	CPUFreqMHz     int     `json:"cpu_freq"`
	CPUTempCelsius float64 `json:"cpu_temp"`
	RAMUsedBytes   uint64  `json:"ram_usage"`
	RAMTotalBytes  uint64  `json:"ram_total"`
	Timestamp      int64   `json:"timestamp"`
}

// Source reads raw values from the operating system.
type Source interface {
	// CPUPercent blocks for window and returns overall utilization.
	CPUPercent(ctx context.Context, window time.Duration) (float64, error)
	// CPUFreqMHz returns the current CPU frequency.
	CPUFreqMHz(ctx context.Context) (float64, error)
	// Memory returns total and available RAM in bytes.
	Memory(ctx context.Context) (total, available uint64, err error)
}
