package hub

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter coalesces output chunks per session so a command spraying
// bytes faster than the batch interval produces one frame per tick.
type RateLimiter struct {
	mu       sync.Mutex
	pending  map[string]*pendingOutput
	interval time.Duration
	onFlush  func(sessionID string, msg OutputMessage)
}

type pendingOutput struct {
	texts []string
	ts    int64
	timer *time.Timer
}

func NewRateLimiter(interval time.Duration, onFlush func(string, OutputMessage)) *RateLimiter {
	return &RateLimiter{
		pending:  make(map[string]*pendingOutput),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (r *RateLimiter) Add(msg OutputMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID := msg.SessionID
	p, exists := r.pending[sessionID]
	if !exists {
		p = &pendingOutput{}
		r.pending[sessionID] = p
	}

	p.texts = append(p.texts, msg.Text)
	if msg.Ts > p.ts {
		p.ts = msg.Ts
	}

	if p.timer == nil {
		p.timer = time.AfterFunc(r.interval, func() {
			r.flushSession(sessionID)
		})
	}
}

func (r *RateLimiter) flushSession(sessionID string) {
	r.mu.Lock()
	p, exists := r.pending[sessionID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.pending, sessionID)
	r.mu.Unlock()

	if r.onFlush != nil && len(p.texts) > 0 {
		msg := OutputMessage{
			Type:      "output",
			SessionID: sessionID,
			Text:      strings.Join(p.texts, ""),
			Ts:        p.ts,
		}
		r.onFlush(sessionID, msg)
	}
}

func (r *RateLimiter) FlushAll() {
	r.mu.Lock()
	sessions := make([]string, 0, len(r.pending))
	for s := range r.pending {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.flushSession(s)
	}
}
