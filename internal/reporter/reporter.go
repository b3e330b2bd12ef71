// Package reporter runs the periodic sample and submit loop against a
// device shadow.
package reporter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/shadowmon/internal/backoff"
	"codeberg.org/mutker/shadowmon/internal/config"
	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/journal"
	"codeberg.org/mutker/shadowmon/internal/logger"
	"codeberg.org/mutker/shadowmon/internal/sampler"
	"codeberg.org/mutker/shadowmon/internal/shadow"
	"codeberg.org/mutker/shadowmon/internal/telemetry"
)

const recordTimeout = 2 * time.Second

// Sampler produces one snapshot per call.
type Sampler interface {
	Sample(ctx context.Context) sampler.Snapshot
}

type Config struct {
	Interval time.Duration
	// ConnectAttempts bounds startup connection attempts. 1 fails on the
	// first error.
	ConnectAttempts int
	// Serialize makes each tick wait for the previous update's outcome.
	Serialize bool
	// Monitor samples and logs without ever connecting.
	Monitor bool
	Backoff backoff.Config
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval < time.Millisecond {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Interval time.Duration
		}{
			Interval: c.Interval,
		})
	}
	if c.ConnectAttempts < 1 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			ConnectAttempts int
		}{
			ConnectAttempts: c.ConnectAttempts,
		})
	}
	return nil
}

type Option func(*Reporter)

func WithJournal(j journal.Recorder) Option {
	return func(r *Reporter) {
		r.journal = j
	}
}

func WithTelemetry(t telemetry.Recorder) Option {
	return func(r *Reporter) {
		r.telemetry = t
	}
}

// WithClock replaces time.Now for submission spacing.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

type Reporter struct {
	cfg       Config
	id        config.Identity
	dialer    shadow.Dialer
	sampler   Sampler
	journal   journal.Recorder
	telemetry telemetry.Recorder
	logger    logger.Logger
	now       func() time.Time

	state         atomic.Int32
	gate          chan struct{}
	pending       sync.WaitGroup
	lastSubmit    time.Time
	lastTimestamp int64
}

func New(cfg Config, id config.Identity, dialer shadow.Dialer, smp Sampler, log logger.Logger, opts ...Option) (*Reporter, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if id.ThingName == "" {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "thing name is required")
	}
	if dialer == nil && !cfg.Monitor {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "a dialer is required unless monitoring")
	}

	r := &Reporter{
		cfg:     cfg,
		id:      id,
		dialer:  dialer,
		sampler: smp,
		logger:  log,
		now:     time.Now,
		gate:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	if r.journal == nil {
		rec, err := journal.NewService(journal.DefaultConfig(), log)
		if err != nil {
			return nil, err
		}
		r.journal = rec
	}
	if r.telemetry == nil {
		tel, err := telemetry.NewService(telemetry.DefaultConfig(), log)
		if err != nil {
			return nil, err
		}
		r.telemetry = tel
	}

	return r, nil
}

func (r *Reporter) State() State {
	return State(r.state.Load())
}

func (r *Reporter) setState(s State) {
	if State(r.state.Swap(int32(s))) != s {
		r.logger.Debug().Str("state", s.String()).Msg("Reporter state changed")
	}
}

// Run connects, resets the shadow document and then submits one update
// per interval until ctx is cancelled. It fails only when no connection
// could be established. In monitor mode it only samples and logs.
func (r *Reporter) Run(ctx context.Context) error {
	if r.cfg.Monitor {
		r.logger.Info().
			Str("thing", r.id.ThingName).
			Dur("interval", r.cfg.Interval).
			Msg("Monitor mode activated. Logging metrics...")
		r.loop(ctx, nil)
		return nil
	}

	session, err := r.connect(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	defer func() {
		if err := session.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close shadow session")
		}
		r.pending.Wait()
		r.setState(Disconnected)
	}()

	r.setState(Connected)
	r.resetShadow(ctx, session)

	r.setState(Ready)
	r.logger.Info().
		Str("thing", r.id.ThingName).
		Dur("interval", r.cfg.Interval).
		Bool("serialize", r.cfg.Serialize).
		Msg("Reporting started")

	r.loop(ctx, session)
	return nil
}

// loop ticks immediately and then once per interval. A nil session
// means monitor mode.
func (r *Reporter) loop(ctx context.Context, session shadow.Session) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.tick(ctx, session)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reporter) connect(ctx context.Context) (shadow.Session, error) {
	errFactory := errors.New()
	policy := backoff.New(r.cfg.Backoff)

	for attempt := 1; ; attempt++ {
		session, err := r.dialer.Connect(ctx, r.id)
		if err == nil {
			return session, nil
		}

		if ctx.Err() != nil {
			return nil, nil
		}

		if attempt >= r.cfg.ConnectAttempts {
			return nil, errFactory.WithData(ErrConnectFailure, struct {
				Host     string
				Attempts int
				Error    string
			}{
				Host:     r.id.Host,
				Attempts: attempt,
				Error:    err.Error(),
			})
		}

		delay := policy.Next()
		r.logger.Warn().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Int("attempt", attempt).
			Int("max_attempts", r.cfg.ConnectAttempts).
			Dur("retry_in", delay).
			Msg("Connection to shadow service failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

// resetShadow issues a best-effort delete of the shadow document.
func (r *Reporter) resetShadow(ctx context.Context, session shadow.Session) {
	req, err := session.DeleteShadow(ctx, r.id.ThingName)
	if err != nil {
		r.logger.Warn().Err(err).Str("thing", r.id.ThingName).Msg("Shadow delete not submitted")
		return
	}

	r.logger.Debug().Str("token", req.Token()).Msg("Shadow delete submitted")
	r.await(req, nil)
}

func (r *Reporter) tick(ctx context.Context, session shadow.Session) {
	var done func()
	if r.cfg.Serialize && session != nil {
		select {
		case r.gate <- struct{}{}:
		case <-ctx.Done():
			return
		}
		done = r.release
	}

	if !r.lastSubmit.IsZero() {
		if wait := r.cfg.Interval - r.now().Sub(r.lastSubmit); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				releaseIf(done)
				return
			case <-timer.C:
			}
		}
	}

	snapshot := r.sampler.Sample(ctx)
	r.telemetry.ObserveSample(snapshot)

	if !r.advanced(snapshot.Timestamp) {
		releaseIf(done)
		return
	}

	msg := "On device"
	if session == nil {
		msg = "Metrics for " + r.id.ThingName
	}
	r.logger.Info().
		Float64("cpu_usage", snapshot.CPUUsagePct).
		Int("cpu_freq", snapshot.CPUFreqMHz).
		Float64("cpu_temp", snapshot.CPUTempCelsius).
		Uint64("ram_usage", snapshot.RAMUsedBytes).
		Uint64("ram_total", snapshot.RAMTotalBytes).
		Int64("timestamp", snapshot.Timestamp).
		Msg(msg)

	if session == nil {
		r.lastSubmit = r.now()
		r.lastTimestamp = snapshot.Timestamp
		return
	}

	if !session.IsConnected() {
		r.logger.Debug().Msg("Submitting while disconnected, the update will time out")
	}

	req, err := session.UpdateShadow(ctx, r.id.ThingName, snapshot)
	r.lastSubmit = r.now()
	if err != nil {
		r.logger.WarnWithCode(errors.New().Wrap(shadow.ErrSubmissionFailed, err)).
			Str("thing", r.id.ThingName).
			Msg("Shadow update not submitted")
		releaseIf(done)
		return
	}
	r.lastTimestamp = snapshot.Timestamp

	r.logger.Debug().Str("token", req.Token()).Msg("Shadow update submitted")
	r.await(req, done)
}

// advanced reports whether ts may be published after the previous one.
// A clock that stepped back by more than an interval starts over, so a
// corrected clock does not silence the reporter.
func (r *Reporter) advanced(ts int64) bool {
	if ts > r.lastTimestamp {
		return true
	}

	if r.lastTimestamp-ts > int64(r.cfg.Interval/time.Second) {
		r.logger.Warn().
			Int64("timestamp", ts).
			Int64("previous", r.lastTimestamp).
			Msg("Wall clock stepped back, resetting timestamp ordering")
		r.lastTimestamp = 0
		return true
	}

	r.logger.Warn().
		Int64("timestamp", ts).
		Int64("previous", r.lastTimestamp).
		Msg("Snapshot timestamp did not advance, skipping update")
	return false
}

func (r *Reporter) release() {
	<-r.gate
}

func releaseIf(release func()) {
	if release != nil {
		release()
	}
}

// await handles req's outcome on its own goroutine and then calls done.
func (r *Reporter) await(req *shadow.Request, done func()) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		defer releaseIf(done)

		r.handleOutcome(<-req.Done())
	}()
}

func (r *Reporter) handleOutcome(o shadow.Outcome) {
	switch o.Status {
	case shadow.StatusAccepted:
		event := r.logger.Info().
			Str("operation", string(o.Operation)).
			Str("token", o.Token).
			Int64("version", o.Version).
			Dur("latency", o.Latency())
		if len(o.Reported) > 0 {
			event = event.RawJSON("reported", o.Reported)
		}
		event.Msg("Shadow " + string(o.Operation) + " accepted")
	case shadow.StatusRejected:
		r.logger.Warn().
			Err(o.Err()).
			Str("operation", string(o.Operation)).
			Str("token", o.Token).
			Int("code", o.Code).
			Str("message", o.Message).
			Msg("Shadow " + string(o.Operation) + " rejected")
	default:
		r.logger.Warn().
			Err(o.Err()).
			Str("operation", string(o.Operation)).
			Str("token", o.Token).
			Msg("Shadow " + string(o.Operation) + " timed out")
	}

	r.telemetry.ObserveOutcome(string(o.Operation), string(o.Status))

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	entry := &journal.Entry{
		Token:       o.Token,
		Thing:       o.Thing,
		Operation:   string(o.Operation),
		Status:      string(o.Status),
		Code:        o.Code,
		Message:     o.Message,
		SubmittedAt: o.SubmittedAt,
		ResolvedAt:  o.ResolvedAt,
	}
	if err := r.journal.Record(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("token", o.Token).Msg("Failed to journal outcome")
	}
}
