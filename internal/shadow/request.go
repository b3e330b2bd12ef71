package shadow

import (
	"sync"
	"time"
)

// Request is an in-flight shadow operation identified by its client token.
type Request struct {
	token       string
	op          Operation
	thing       string
	submittedAt time.Time
	done        chan Outcome
	once        sync.Once
}

// NewRequest creates an unresolved request. Session implementations call
// Resolve exactly once per request; later calls are ignored.
func NewRequest(token string, op Operation, thing string, now time.Time) *Request {
	return &Request{
		token:       token,
		op:          op,
		thing:       thing,
		submittedAt: now,
		done:        make(chan Outcome, 1),
	}
}

func (r *Request) Token() string {
	return r.token
}

func (r *Request) Operation() Operation {
	return r.op
}

func (r *Request) Thing() string {
	return r.thing
}

func (r *Request) SubmittedAt() time.Time {
	return r.submittedAt
}

// Done delivers exactly one Outcome.
func (r *Request) Done() <-chan Outcome {
	return r.done
}

func (r *Request) Resolve(o Outcome) {
	r.once.Do(func() {
		o.Operation = r.op
		o.Token = r.token
		o.Thing = r.thing
		o.SubmittedAt = r.submittedAt
		r.done <- o
	})
}

// pendingSet holds unresolved requests keyed by token, each with a timer
// that resolves it as timed out.
type pendingSet struct {
	mu   sync.Mutex
	reqs map[string]*pendingEntry
}

type pendingEntry struct {
	req   *Request
	timer *time.Timer
}

func newPendingSet() *pendingSet {
	return &pendingSet{reqs: make(map[string]*pendingEntry)}
}

func (p *pendingSet) add(req *Request, timeout time.Duration, now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := &pendingEntry{req: req}
	entry.timer = time.AfterFunc(timeout, func() {
		if r := p.take(req.token); r != nil {
			r.Resolve(Outcome{Status: StatusTimeout, ResolvedAt: now()})
		}
	})
	p.reqs[req.token] = entry
}

// take removes and returns the request for token, or nil if it is unknown
// or already resolved.
func (p *pendingSet) take(token string) *Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.reqs[token]
	if !ok {
		return nil
	}
	delete(p.reqs, token)
	entry.timer.Stop()

	return entry.req
}

func (p *pendingSet) drain() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	reqs := make([]*Request, 0, len(p.reqs))
	for token, entry := range p.reqs {
		entry.timer.Stop()
		reqs = append(reqs, entry.req)
		delete(p.reqs, token)
	}
	return reqs
}

func (p *pendingSet) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}
