package sampler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/afero"
)

const (
	scalingCurFreqGlob = "/sys/devices/system/cpu/cpu[0-9]*/cpufreq/scaling_cur_freq"
	kHzPerMHz          = 1000
)

// hostSource reads metrics from the running host through gopsutil.
type hostSource struct {
	fs afero.Fs
}

// NewHostSource returns a Source backed by gopsutil. fs is used for the
// cpufreq sysfs file.
func NewHostSource(fs afero.Fs) Source {
	return &hostSource{fs: fs}
}

func (*hostSource) CPUPercent(ctx context.Context, window time.Duration) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, errors.New().WithMessage(ErrCPUUsageUnavailable, "no cpu utilization reported")
	}

	return percents[0], nil
}

// CPUFreqMHz averages the kernel's current scaling frequency over all
// cores and falls back to the average of what gopsutil reports per core.
func (s *hostSource) CPUFreqMHz(ctx context.Context) (float64, error) {
	if mhz, ok := s.sysfsFreqMHz(); ok {
		return mhz, nil
	}

	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, errors.New().WithMessage(ErrCPUFreqUnavailable, "no cpu info reported")
	}

	sum := 0.0
	for _, info := range infos {
		sum += info.Mhz
	}

	return sum / float64(len(infos)), nil
}

// sysfsFreqMHz returns the mean of every readable scaling_cur_freq file.
func (s *hostSource) sysfsFreqMHz() (float64, bool) {
	paths, err := afero.Glob(s.fs, scalingCurFreqGlob)
	if err != nil || len(paths) == 0 {
		return 0, false
	}

	var sum float64
	var n int
	for _, path := range paths {
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			continue
		}
		khz, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		sum += khz
		n++
	}
	if n == 0 {
		return 0, false
	}

	return sum / float64(n) / kHzPerMHz, true
}

func (*hostSource) Memory(ctx context.Context) (total, available uint64, err error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}

	return vm.Total, vm.Available, nil
}
