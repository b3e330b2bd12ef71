package journal

import (
	"context"
	"time"
)

// Recorder is what the reporter writes outcomes to
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	Close() error
}

// Repository defines the interface for journal storage
type Repository interface {
	Store(entry *Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Entry is the resolution of one shadow request. It carries no metric
// values.
type Entry struct {
	Token       string
	Thing       string
	Operation   string
	Status      string
	Code        int
	Message     string
	SubmittedAt time.Time
	ResolvedAt  time.Time
}
