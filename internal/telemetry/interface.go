package telemetry

import "codeberg.org/mutker/shadowmon/internal/sampler"

// Recorder receives reporter events. Implementations are safe for
// concurrent use.
type Recorder interface {
	ObserveSample(snapshot sampler.Snapshot)
	ObserveOutcome(operation, status string)
	SetConnected(up bool)
	Reconnected()
	Close() error
}
