package telemetry

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/logger"
	"codeberg.org/mutker/shadowmon/internal/sampler"
)

func TestDisabledIsNoop(t *testing.T) {
	rec, err := NewService(DefaultConfig(), logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.IsType(t, &noopRecorder{}, rec)

	rec.ObserveSample(sampler.Snapshot{CPUUsagePct: 10})
	rec.ObserveOutcome("update", "accepted")
	rec.SetConnected(true)
	rec.Reconnected()
	assert.NoError(t, rec.Close())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "no-port"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidAddr))

	cfg.Addr = "127.0.0.1:9100"
	cfg.Path = "metrics"
	assert.Error(t, cfg.Validate())

	cfg.Path = "/metrics"
	assert.NoError(t, cfg.Validate())
}

func TestInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst, err := newInstruments(reg)
	require.NoError(t, err)

	inst.ObserveSample(sampler.Snapshot{
		CPUUsagePct:    42.5,
		CPUTempCelsius: 51.3,
		RAMUsedBytes:   2048,
	})
	inst.ObserveSample(sampler.Snapshot{CPUUsagePct: 12.0})

	inst.ObserveOutcome("update", "accepted")
	inst.ObserveOutcome("update", "accepted")
	inst.ObserveOutcome("update", "rejected")
	inst.ObserveOutcome("delete", "timeout")

	inst.SetConnected(true)
	inst.Reconnected()

	assert.InDelta(t, 2, testutil.ToFloat64(inst.samples), 0)
	assert.InDelta(t, 12.0, testutil.ToFloat64(inst.cpuUsage), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(inst.ramUsed), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(inst.submissions.WithLabelValues("update", "accepted")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(inst.submissions.WithLabelValues("update", "rejected")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(inst.submissions.WithLabelValues("delete", "timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(inst.connUp), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(inst.reconnects), 0)

	inst.SetConnected(false)
	assert.InDelta(t, 0, testutil.ToFloat64(inst.connUp), 0)

	_, err = newInstruments(reg)
	require.Error(t, err, "registering twice fails")
	assert.True(t, errors.HasCode(err, ErrRegisterFailed))
}

func TestEndpointServesMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"

	rec, err := NewService(cfg, logger.New(&bytes.Buffer{}))
	require.NoError(t, err)

	svc, ok := rec.(*service)
	require.True(t, ok)

	rec.ObserveOutcome("update", "accepted")
	rec.SetConnected(true)

	resp, err := http.Get("http://" + svc.listener.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	text := string(body)
	assert.True(t, strings.Contains(text, `shadowmon_submissions_total{operation="update",status="accepted"} 1`))
	assert.Contains(t, text, "shadowmon_connection_up 1")
	assert.Contains(t, text, "go_goroutines")

	require.NoError(t, rec.Close())
}
