package shell

import "time"

// State describes whether the shell is sitting at its prompt or running a
// foreground command. It is recomputed on demand from the terminal's
// foreground process group, never stored.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// EventType distinguishes the kind of event produced by a Session.
type EventType int

const (
	// EventOutput indicates that new data was drained from the PTY.
	EventOutput EventType = iota
	// EventClosed indicates that the drain loop has stopped for good.
	EventClosed
)

// Event is a single notification emitted by a Session's drain loop.
type Event struct {
	Type EventType
	ID   string
	Data string
}

// SessionInfo is a read-only snapshot of session metadata returned by Manager.List.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Blocking  bool      `json:"blocking"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
