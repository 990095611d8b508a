package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const defaultBatchInterval = 100 * time.Millisecond

// Hub fans drained session output and status changes out to websocket
// clients, and routes client input/interrupt frames back to the session
// layer through callbacks.
type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan hubBroadcast
	onInput      func(sessionID string, line string)
	onInterrupt  func(sessionID string)
	token        string
	mu           sync.RWMutex
	sessions     []SessionSummary
	sessionsMu   sync.RWMutex
	rateLimiter  *RateLimiter
	batchEnabled atomic.Bool
	ctxWrap      *ctxWrapper
	running      atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client          *Client
	initialSessions []byte
}

func New(token string, onInput func(string, string), onInterrupt func(string)) *Hub {
	h := &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan *clientRegistration, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan hubBroadcast, 256),
		onInput:     onInput,
		onInterrupt: onInterrupt,
		token:       token,
		ctxWrap:     &ctxWrapper{ctx: context.Background()},
	}
	h.batchEnabled.Store(true)
	h.rateLimiter = NewRateLimiter(defaultBatchInterval, func(sessionID string, msg OutputMessage) {
		h.sendBroadcast(msg)
	})
	return h
}

func (h *Hub) getContext() context.Context {
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initialSessions != nil {
				select {
				case reg.client.send <- reg.initialSessions:
				default:
				}
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			log.Printf("client connected: %s (total: %d)", reg.client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("client disconnected: %s (total: %d)", client.id, h.ClientCount())

		case bc := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				if !c.wantsSession(bc.sessionID) {
					continue
				}
				select {
				case c.send <- bc.data:
				default:
					log.Printf("client %s send buffer full, dropping message", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept error: %v", err)
		return
	}

	client := newClient(conn, h)

	h.sessionsMu.RLock()
	sessions := h.sessions
	h.sessionsMu.RUnlock()

	msg := SessionsMessage{Type: "sessions", List: sessions}
	initialSessions, _ := json.Marshal(msg)

	select {
	case h.register <- &clientRegistration{client: client, initialSessions: initialSessions}:
	default:
		log.Printf("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// BroadcastOutput queues session output for delivery; bursty output is
// batched per session so PTY floods do not overwhelm clients.
func (h *Hub) BroadcastOutput(sessionID, text string) {
	msg := OutputMessage{
		Type:      "output",
		SessionID: sessionID,
		Text:      text,
		Ts:        time.Now().UnixMilli(),
	}
	if h.batchEnabled.Load() && h.rateLimiter != nil {
		h.rateLimiter.Add(msg)
	} else {
		h.sendBroadcast(msg)
	}
}

func (h *Hub) sendBroadcast(msg OutputMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling output message: %v", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: msg.SessionID}:
	default:
		log.Printf("broadcast channel full, dropping message")
	}
}

// BroadcastSessions replaces the cached session list and pushes it to all
// clients regardless of subscription.
func (h *Hub) BroadcastSessions(sessions []SessionSummary) {
	h.sessionsMu.Lock()
	h.sessions = sessions
	h.sessionsMu.Unlock()

	msg := SessionsMessage{Type: "sessions", List: sessions}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling sessions message: %v", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data}:
	default:
		log.Printf("broadcast channel full, dropping sessions message")
	}
}

func (h *Hub) BroadcastStatus(sessionID string, status string) {
	msg := StatusMessage{Type: "status", SessionID: sessionID, Status: status}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling status message: %v", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: sessionID}:
	default:
		log.Printf("broadcast channel full, dropping status message")
	}
}

func (h *Hub) SendError(client *Client, message string) {
	msg := ErrorMessage{Type: "error", Message: message}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling error message: %v", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleInput(sessionID string, line string) {
	if h.onInput != nil {
		h.onInput(sessionID, line)
	}
}

func (h *Hub) handleInterrupt(sessionID string) {
	if h.onInterrupt != nil {
		h.onInterrupt(sessionID)
	}
}

// SetBatchEnabled toggles per-session output batching. Safe to call while
// watcher goroutines are broadcasting.
func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled.Store(enabled)
}

func (h *Hub) FlushPendingOutput() {
	if h.rateLimiter != nil {
		h.rateLimiter.FlushAll()
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		log.Printf("unregister channel full for client %s, forcing close", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
