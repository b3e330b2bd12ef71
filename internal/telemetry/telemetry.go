package telemetry

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/logger"
	"codeberg.org/mutker/shadowmon/internal/sampler"
)

type service struct {
	*instruments
	server   *http.Server
	listener net.Listener
	logger   logger.Logger
	served   chan struct{}
}

// No-op implementation
type noopRecorder struct{}

// NewService starts the metrics endpoint on cfg.Addr. A disabled config
// yields a no-op recorder.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled() {
		log.Debug().Msg("Metrics endpoint disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, errFactory.Wrap(ErrRegisterFailed, err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, errFactory.Wrap(ErrRegisterFailed, err)
	}

	inst, err := newInstruments(reg)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errFactory.WithData(ErrListenFailed, struct {
			Addr  string
			Error string
		}{
			Addr:  cfg.Addr,
			Error: err.Error(),
		})
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	s := &service{
		instruments: inst,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   log,
		served:   make(chan struct{}),
	}

	go s.serve()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("path", cfg.Path).
		Msg("Metrics endpoint listening")

	return s, nil
}

func (s *service) serve() {
	defer close(s.served)

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Msg("Metrics endpoint stopped")
	}
}

func (s *service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}
	<-s.served

	s.logger.Debug().Msg("Metrics endpoint closed")
	return nil
}

func (*noopRecorder) ObserveSample(_ sampler.Snapshot) {}

func (*noopRecorder) ObserveOutcome(_, _ string) {}

func (*noopRecorder) SetConnected(_ bool) {}

func (*noopRecorder) Reconnected() {}

func (*noopRecorder) Close() error {
	return nil
}
