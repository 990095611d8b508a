package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func startHub(t *testing.T, token string) (*Hub, string, context.CancelFunc) {
	t.Helper()
	h := New(token, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return h, url, cancel
}

func dialClient(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("%s?token=%s", url, token), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrames(t *testing.T, conn *websocket.Conn, timeout time.Duration, want func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("websocket read: %v", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("invalid frame %q: %v", data, err)
		}
		if want(frame) {
			return frame
		}
	}
	t.Fatal("expected frame not received before deadline")
	return nil
}

func TestTokenAuthentication(t *testing.T) {
	_, url, _ := startHub(t, "secret")

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, url+"?token=wrong", nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("expected dial with wrong token to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestInitialSessionsMessage(t *testing.T) {
	h, url, _ := startHub(t, "secret")
	h.BroadcastSessions([]SessionSummary{{ID: "s1", Name: "demo", State: "idle"}})

	conn := dialClient(t, url, "secret")
	frame := readFrames(t, conn, 3*time.Second, func(f map[string]any) bool {
		return f["type"] == "sessions"
	})
	list, ok := frame["list"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("unexpected sessions list %v", frame["list"])
	}
}

func TestBroadcastOutputFanOut(t *testing.T) {
	h, url, _ := startHub(t, "secret")
	h.SetBatchEnabled(false)

	first := dialClient(t, url, "secret")
	second := dialClient(t, url, "secret")

	if ok := waitForClients(h, 2, 3*time.Second); !ok {
		t.Fatal("clients did not register in time")
	}

	h.BroadcastOutput("s1", "hello fan-out")

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readFrames(t, conn, 3*time.Second, func(f map[string]any) bool {
			return f["type"] == "output"
		})
		if frame["text"] != "hello fan-out" || frame["session_id"] != "s1" {
			t.Errorf("unexpected output frame %v", frame)
		}
	}
}

func TestSubscriptionFiltersOutput(t *testing.T) {
	h, url, _ := startHub(t, "secret")
	h.SetBatchEnabled(false)

	conn := dialClient(t, url, "secret")
	if ok := waitForClients(h, 1, 3*time.Second); !ok {
		t.Fatal("client did not register in time")
	}

	sub, _ := json.Marshal(ClientMessage{Type: "subscribe", SessionID: "wanted"})
	writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := conn.Write(writeCtx, websocket.MessageText, sub); err != nil {
		cancel()
		t.Fatalf("write subscribe: %v", err)
	}
	cancel()
	// Give the read pump a moment to apply the subscription.
	time.Sleep(100 * time.Millisecond)

	h.BroadcastOutput("ignored", "should not arrive")
	h.BroadcastOutput("wanted", "should arrive")

	frame := readFrames(t, conn, 3*time.Second, func(f map[string]any) bool {
		return f["type"] == "output"
	})
	if frame["session_id"] != "wanted" {
		t.Errorf("received output for %v, want only %q", frame["session_id"], "wanted")
	}
}

func TestInputAndInterruptRouting(t *testing.T) {
	var mu sync.Mutex
	var gotInput, gotInterrupt string

	h := New("secret", func(sessionID, line string) {
		mu.Lock()
		gotInput = sessionID + ":" + line
		mu.Unlock()
	}, func(sessionID string) {
		mu.Lock()
		gotInterrupt = sessionID
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn := dialClient(t, url, "secret")

	for _, msg := range []ClientMessage{
		{Type: "input", SessionID: "s1", Line: "echo hi"},
		{Type: "interrupt", SessionID: "s1"},
	} {
		data, _ := json.Marshal(msg)
		writeCtx, wcancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			wcancel()
			t.Fatalf("write: %v", err)
		}
		wcancel()
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotInput != "" && gotInterrupt != ""
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotInput != "s1:echo hi" {
		t.Errorf("input callback got %q, want %q", gotInput, "s1:echo hi")
	}
	if gotInterrupt != "s1" {
		t.Errorf("interrupt callback got %q, want %q", gotInterrupt, "s1")
	}
}

func TestRateLimiterCoalesces(t *testing.T) {
	var mu sync.Mutex
	var flushed []OutputMessage
	rl := NewRateLimiter(50*time.Millisecond, func(sessionID string, msg OutputMessage) {
		mu.Lock()
		flushed = append(flushed, msg)
		mu.Unlock()
	})

	rl.Add(OutputMessage{Type: "output", SessionID: "s1", Text: "a", Ts: 1})
	rl.Add(OutputMessage{Type: "output", SessionID: "s1", Text: "b", Ts: 2})
	rl.Add(OutputMessage{Type: "output", SessionID: "s1", Text: "c", Ts: 3})

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d messages, want 1 coalesced", len(flushed))
	}
	if flushed[0].Text != "abc" {
		t.Errorf("coalesced text = %q, want %q", flushed[0].Text, "abc")
	}
	if flushed[0].Ts != 3 {
		t.Errorf("coalesced ts = %d, want 3", flushed[0].Ts)
	}
}

func TestSetBatchEnabledIsSafeDuringBroadcast(t *testing.T) {
	h, url, _ := startHub(t, "secret")
	conn := dialClient(t, url, "secret")
	if ok := waitForClients(h, 1, 3*time.Second); !ok {
		t.Fatal("client did not register in time")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.SetBatchEnabled(i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.BroadcastOutput("s1", "x")
		}
	}()
	wg.Wait()

	h.SetBatchEnabled(false)
	h.FlushPendingOutput()
	h.BroadcastOutput("s1", "final")

	frame := readFrames(t, conn, 3*time.Second, func(f map[string]any) bool {
		return f["type"] == "output" && f["text"] == "final"
	})
	if frame["session_id"] != "s1" {
		t.Errorf("unexpected frame %v", frame)
	}
}

func waitForClients(h *Hub, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.ClientCount() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return h.ClientCount() >= n
}
