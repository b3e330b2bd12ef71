package sampler

import "codeberg.org/mutker/shadowmon/internal/errors"

const (
	ErrMetricUnavailable = errors.ErrMetricUnavailable

	ErrCPUUsageUnavailable    = errors.ErrorCode("sampler_cpu_usage_unavailable")
	ErrCPUFreqUnavailable     = errors.ErrorCode("sampler_cpu_freq_unavailable")
	ErrTemperatureUnavailable = errors.ErrorCode("sampler_temperature_unavailable")
	ErrMemoryUnavailable      = errors.ErrorCode("sampler_memory_unavailable")
)
