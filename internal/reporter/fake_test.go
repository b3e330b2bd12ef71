package reporter_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/shadowmon/internal/config"
	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/journal"
	"codeberg.org/mutker/shadowmon/internal/sampler"
	"codeberg.org/mutker/shadowmon/internal/shadow"
)

// syncBuffer is a log sink written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeDialer struct {
	failures int
	session  *fakeSession
	calls    atomic.Int32
}

func (d *fakeDialer) Connect(_ context.Context, _ config.Identity) (shadow.Session, error) {
	n := int(d.calls.Add(1))
	if n <= d.failures {
		return nil, errors.New().WithMessage(errors.ErrConnectFailure, "broker unreachable")
	}
	return d.session, nil
}

// responder decides how a request is answered. Returning false leaves it
// pending until the session is closed.
type responder func(req *shadow.Request, index int) (shadow.Outcome, bool)

func acceptAll(req *shadow.Request, _ int) (shadow.Outcome, bool) {
	return shadow.Outcome{Status: shadow.StatusAccepted, Version: 1, ResolvedAt: time.Now()}, true
}

type fakeSession struct {
	mu        sync.Mutex
	respond   responder
	tokens    []string
	ops       []shadow.Operation
	snapshots []sampler.Snapshot
	submitted []time.Time
	open      []*shadow.Request
	closed    bool
	updates   int
}

func newFakeSession(respond responder) *fakeSession {
	if respond == nil {
		respond = acceptAll
	}
	return &fakeSession{respond: respond}
}

// nextToken names the first update abc123 and numbers everything else.
func (s *fakeSession) nextToken(op shadow.Operation, index int) string {
	if op == shadow.OpUpdate && index == 0 {
		return "abc123"
	}
	return fmt.Sprintf("%s-%d", op, len(s.tokens))
}

func (s *fakeSession) submit(op shadow.Operation, thing string, reported any) (*shadow.Request, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New().New(errors.ErrNotConnected)
	}

	index := -1
	if op == shadow.OpUpdate {
		index = s.updates
		s.updates++
		s.snapshots = append(s.snapshots, reported.(sampler.Snapshot))
		s.submitted = append(s.submitted, time.Now())
	}

	req := shadow.NewRequest(s.nextToken(op, index), op, thing, time.Now())
	s.tokens = append(s.tokens, req.Token())
	s.ops = append(s.ops, op)

	outcome, ok := s.respond(req, index)
	if !ok {
		s.open = append(s.open, req)
	}
	s.mu.Unlock()

	if ok {
		if outcome.Status == shadow.StatusAccepted && op == shadow.OpUpdate {
			outcome.Reported, _ = json.Marshal(reported)
		}
		go req.Resolve(outcome)
	}

	return req, nil
}

func (s *fakeSession) DeleteShadow(_ context.Context, thing string) (*shadow.Request, error) {
	return s.submit(shadow.OpDelete, thing, nil)
}

func (s *fakeSession) UpdateShadow(_ context.Context, thing string, reported any) (*shadow.Request, error) {
	return s.submit(shadow.OpUpdate, thing, reported)
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// resolveOpen accepts every request that is still pending.
func (s *fakeSession) resolveOpen() {
	s.mu.Lock()
	open := s.open
	s.open = nil
	s.mu.Unlock()

	for _, req := range open {
		req.Resolve(shadow.Outcome{Status: shadow.StatusAccepted, ResolvedAt: time.Now()})
	}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	open := s.open
	s.open = nil
	s.mu.Unlock()

	for _, req := range open {
		req.Resolve(shadow.Outcome{Status: shadow.StatusTimeout, Message: "session closed", ResolvedAt: time.Now()})
	}
	return nil
}

func (s *fakeSession) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *fakeSession) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *fakeSession) history() ([]shadow.Operation, []sampler.Snapshot, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shadow.Operation(nil), s.ops...),
		append([]sampler.Snapshot(nil), s.snapshots...),
		append([]time.Time(nil), s.submitted...)
}

type fakeSampler struct {
	next  atomic.Int64
	fixed bool
}

func newFakeSampler(start int64) *fakeSampler {
	s := &fakeSampler{}
	s.next.Store(start)
	return s
}

func (s *fakeSampler) Sample(_ context.Context) sampler.Snapshot {
	ts := s.next.Load()
	if !s.fixed {
		ts = s.next.Add(1)
	}
	return sampler.Snapshot{
		CPUUsagePct:    12.5,
		CPUFreqMHz:     1800,
		CPUTempCelsius: 48.2,
		RAMUsedBytes:   1 << 30,
		RAMTotalBytes:  4 << 30,
		Timestamp:      ts,
	}
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *fakeJournal) Record(_ context.Context, e *journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, *e)
	return nil
}

func (*fakeJournal) Close() error {
	return nil
}

func (j *fakeJournal) all() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

type fakeTelemetry struct {
	samples  atomic.Int32
	outcomes sync.Map
}

func (t *fakeTelemetry) ObserveSample(_ sampler.Snapshot) {
	t.samples.Add(1)
}

func (t *fakeTelemetry) ObserveOutcome(operation, status string) {
	v, _ := t.outcomes.LoadOrStore(operation+"/"+status, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (*fakeTelemetry) SetConnected(_ bool) {}

func (*fakeTelemetry) Reconnected() {}

func (*fakeTelemetry) Close() error {
	return nil
}

func (t *fakeTelemetry) count(key string) int {
	v, ok := t.outcomes.Load(key)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}
