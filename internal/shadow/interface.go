package shadow

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/shadowmon/internal/config"
)

// Dialer opens sessions with the shadow service.
type Dialer interface {
	Connect(ctx context.Context, id config.Identity) (Session, error)
}

// Session is a live connection through which shadow operations are
// issued. Outcomes arrive asynchronously on each Request's Done channel.
type Session interface {
	DeleteShadow(ctx context.Context, thing string) (*Request, error)
	UpdateShadow(ctx context.Context, thing string, reported any) (*Request, error)
	IsConnected() bool
	Close() error
}

type Operation string

const (
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Outcome is the resolution of a single shadow request.
type Outcome struct {
	Operation Operation
	Status    Status
	Token     string
	Thing     string
	// Reported is the reported state echoed back on an accepted update.
	Reported    json.RawMessage
	Version     int64
	Code        int
	Message     string
	SubmittedAt time.Time
	ResolvedAt  time.Time
}

// Latency is the time between submission and resolution.
func (o Outcome) Latency() time.Duration {
	return o.ResolvedAt.Sub(o.SubmittedAt)
}

// Hooks observe connection state changes. Any field may be nil.
type Hooks struct {
	OnConnect        func(reconnect bool)
	OnConnectionLost func(err error)
}
