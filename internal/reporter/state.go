package reporter

// State is the lifecycle position of a Reporter.
type State int32

const (
	// Disconnected: no session yet, or the session was closed.
	Disconnected State = iota
	// Connected: a session is open and the shadow document is being reset.
	Connected
	// Ready: periodic updates are being submitted.
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}
