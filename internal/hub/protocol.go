package hub

// OutputMessage carries drained session output to websocket clients.
type OutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// StatusMessage announces a session state transition (idle/running/closed).
type StatusMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionSummary is the per-session entry of a SessionsMessage.
type SessionSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// SessionsMessage lists the sessions known to the server; sent once on
// connect and again whenever the set changes.
type SessionsMessage struct {
	Type string           `json:"type"`
	List []SessionSummary `json:"list"`
}

// ErrorMessage reports a per-client failure without closing the socket.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is anything a websocket client sends to the hub.
// Types: "input" (line for a session), "interrupt", "subscribe".
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Line      string `json:"line,omitempty"`
}

// hubBroadcast pairs an encoded frame with the session it concerns, so
// per-client subscriptions can filter it.
type hubBroadcast struct {
	data      []byte
	sessionID string
}
