package sampler

import (
	"bufio"
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/logger"
	"github.com/spf13/afero"
)

const (
	DefaultWindow      = 500 * time.Millisecond
	DefaultThermalPath = "/sys/class/thermal/thermal_zone0/temp"

	milliDegreesPerDegree = 1000
)

type Config struct {
	ThermalPath string
	Window      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThermalPath: DefaultThermalPath,
		Window:      DefaultWindow,
	}
}

// Sampler assembles Snapshots. A field that cannot be read is logged and
// left at zero; Sample itself never fails.
type Sampler struct {
	src    Source
	fs     afero.Fs
	cfg    Config
	logger logger.Logger
	now    func() time.Time
}

type Option func(*Sampler)

// WithClock replaces time.Now for the snapshot timestamp
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		s.now = now
	}
}

func New(src Source, fs afero.Fs, cfg Config, log logger.Logger, opts ...Option) *Sampler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.ThermalPath == "" {
		cfg.ThermalPath = DefaultThermalPath
	}

	s := &Sampler{
		src:    src,
		fs:     fs,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sample blocks for the CPU utilization window and returns a fresh Snapshot.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	errFactory := errors.New()
	var snap Snapshot

	if pct, err := s.src.CPUPercent(ctx, s.cfg.Window); err != nil {
		s.unavailable("cpu_usage", ErrCPUUsageUnavailable, err)
	} else {
		snap.CPUUsagePct = math.Round(pct*10) / 10
	}

	if mhz, err := s.src.CPUFreqMHz(ctx); err != nil {
		s.unavailable("cpu_freq", ErrCPUFreqUnavailable, err)
	} else {
		snap.CPUFreqMHz = int(mhz)
	}

	// A missing thermal zone is normal on many hosts
	if temp, err := ReadTemperature(s.fs, s.cfg.ThermalPath); err != nil {
		s.logger.Debug().
			Err(errFactory.Wrap(ErrMetricUnavailable, err)).
			Str("metric", "cpu_temp").
			Str("path", s.cfg.ThermalPath).
			Msg("CPU temperature unavailable, reporting 0")
	} else {
		snap.CPUTempCelsius = temp
	}

	if total, available, err := s.src.Memory(ctx); err != nil {
		s.unavailable("ram_usage", ErrMemoryUnavailable, err)
	} else {
		snap.RAMTotalBytes = total
		snap.RAMUsedBytes = usedBytes(total, available)
	}

	snap.Timestamp = s.now().Unix()

	return snap
}

// unavailable logs a degraded field as MetricUnavailable, keeping the
// field-specific code in the chain.
func (s *Sampler) unavailable(metric string, code errors.ErrorCode, err error) {
	errFactory := errors.New()
	wrapped := errFactory.Wrap(ErrMetricUnavailable, errFactory.Wrap(code, err))

	s.logger.WarnWithCode(wrapped).
		Str("metric", metric).
		Msg("Metric unavailable, reporting 0")
}

// usedBytes is total minus available, never more than total.
func usedBytes(total, available uint64) uint64 {
	if available >= total {
		return 0
	}
	return total - available
}

// ReadTemperature reads a thermal zone file whose first line holds the
// temperature in millidegrees Celsius as a plain integer.
func ReadTemperature(fs afero.Fs, path string) (float64, error) {
	errFactory := errors.New()

	f, err := fs.Open(path)
	if err != nil {
		return 0, errFactory.Wrap(ErrTemperatureUnavailable, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, errFactory.WithData(ErrTemperatureUnavailable, "empty thermal file")
	}

	line := strings.TrimSpace(scanner.Text())
	if !isDigits(line) {
		return 0, errFactory.WithData(ErrTemperatureUnavailable, "not an integer: "+line)
	}

	milli, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, errFactory.Wrap(ErrTemperatureUnavailable, err)
	}

	return float64(milli) / milliDegreesPerDegree, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
