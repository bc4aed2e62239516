package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chronicle-md/chronicle/internal/wire"
)

// newTestHost starts a WebSocket server that decodes every inbound
// frame and hands it to onFrame along with the raw socket for replies.
func newTestHost(t *testing.T, onFrame func(ws *websocket.Conn, f *wire.Frame)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := wire.Decode(data)
			if err != nil {
				continue
			}
			if onFrame != nil {
				onFrame(ws, f)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrameTo(t *testing.T, ws *websocket.Conn, f *wire.Frame) {
	t.Helper()
	raw, err := wire.Encode(f)
	if err != nil {
		t.Errorf("encode frame: %v", err)
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func TestRequestResponse(t *testing.T) {
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type != wire.TypeRequest {
			return
		}
		resp, _ := wire.NewResponse(f.ID, map[string]string{"path": "/ws/note.md"})
		raw, _ := wire.Encode(resp)
		ws.WriteMessage(websocket.TextMessage, raw)
	})

	c := New(Options{URL: url})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	result, err := c.Request(context.Background(), "getCurrentFile", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("bad result payload: %v", err)
	}
	if got["path"] != "/ws/note.md" {
		t.Errorf("Expected path in result, got %v", got)
	}
}

func TestRequestErrorResponse(t *testing.T) {
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type != wire.TypeRequest {
			return
		}
		raw, _ := wire.Encode(wire.NewErrorResponse(f.ID, "no file open"))
		ws.WriteMessage(websocket.TextMessage, raw)
	})

	c := New(Options{URL: url})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := c.Request(context.Background(), "getCurrentFile", nil)
	if err == nil {
		t.Fatal("Expected error from host error response")
	}
	if !strings.Contains(err.Error(), "no file open") {
		t.Errorf("Expected host error message, got: %v", err)
	}
}

func TestRequestWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/"})
	defer c.Close()

	_, err := c.Request(context.Background(), "getWorkspacePath", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("Pending map should stay empty, has %d entries", n)
	}
}

func TestRequestTimeoutAndLateResponse(t *testing.T) {
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type != wire.TypeRequest {
			return
		}
		// Reply well past the client deadline.
		go func(id string) {
			time.Sleep(150 * time.Millisecond)
			resp, _ := wire.NewResponse(id, "late")
			raw, _ := wire.Encode(resp)
			ws.WriteMessage(websocket.TextMessage, raw)
		}(f.ID)
	})

	c := New(Options{URL: url, RequestTimeout: 40 * time.Millisecond})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := c.Request(context.Background(), "getCurrentFile", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("Pending entry should be discarded on timeout, %d left", n)
	}

	// The late response must be silently dropped; the connection stays usable.
	time.Sleep(200 * time.Millisecond)
	if !c.IsConnected() {
		t.Error("Connection should survive a late response")
	}
}

func TestConcurrentRequests(t *testing.T) {
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type != wire.TypeRequest {
			return
		}
		resp, _ := wire.NewResponse(f.ID, f.Method)
		raw, _ := wire.Encode(resp)
		ws.WriteMessage(websocket.TextMessage, raw)
	})

	c := New(Options{URL: url})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := c.Request(context.Background(), "getWorkspacePath", nil)
			done <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Errorf("Concurrent request failed: %v", err)
		}
	}
}

func TestPushOrderAcrossReconnect(t *testing.T) {
	pushes := make(chan string, 16)
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type == wire.TypePush {
			pushes <- f.Event
		}
	})

	c := New(Options{URL: url})
	defer c.Close()

	// Three pushes queued while disconnected.
	c.SendPush("processingStarted", map[string]string{"style": "standard"})
	c.SendPush("processingComplete", nil)
	c.SendPush("processingError", nil)
	if got := c.QueuedPushes(); got != 3 {
		t.Fatalf("Expected 3 queued pushes, got %d", got)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// A fourth push sent post-reconnect must arrive after the queued three.
	c.SendPush("chronicleUpdated", nil)

	want := []string{"processingStarted", "processingComplete", "processingError", "chronicleUpdated"}
	for i, event := range want {
		select {
		case got := <-pushes:
			if got != event {
				t.Fatalf("Push %d: expected %q, got %q", i, event, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for push %d (%q)", i, event)
		}
	}
}

func TestPushDirectWhenConnected(t *testing.T) {
	pushes := make(chan string, 4)
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type == wire.TypePush {
			pushes <- f.Event
		}
	})

	c := New(Options{URL: url})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	c.SendPush("processingStarted", nil)
	select {
	case got := <-pushes:
		if got != "processingStarted" {
			t.Errorf("Expected processingStarted, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Push never arrived")
	}
	if n := c.QueuedPushes(); n != 0 {
		t.Errorf("Nothing should be queued after a direct send, got %d", n)
	}
}

func TestServeHostRequest(t *testing.T) {
	// The host originates a request over the same socket as soon as the
	// bridge attaches, and expects a correlated response back.
	responses := make(chan *wire.Frame, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		req, _ := wire.NewRequest("trigger-1", "triggerProcessing", map[string]string{"style": "brief"})
		writeFrameTo(t, ws, req)

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := wire.Decode(data)
			if err != nil {
				continue
			}
			if f.Type == wire.TypeResponse {
				responses <- f
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := New(Options{
		URL: url,
		OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			if method != "triggerProcessing" {
				t.Errorf("Unexpected method %q", method)
			}
			var p map[string]string
			if err := json.Unmarshal(params, &p); err != nil || p["style"] != "brief" {
				t.Errorf("Unexpected params %s", params)
			}
			return map[string]string{"status": "started"}, nil
		},
	})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case resp := <-responses:
		if resp.ID != "trigger-1" {
			t.Errorf("Response id mismatch: %q", resp.ID)
		}
		var result map[string]string
		if err := json.Unmarshal(resp.Result, &result); err != nil || result["status"] != "started" {
			t.Errorf("Unexpected response result: %s", resp.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Host never received the response")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 60000 * time.Millisecond

	want := []time.Duration{
		1 * time.Second,  // 1st scheduled reconnect
		2 * time.Second,  // 2nd
		4 * time.Second,  // 3rd
		8 * time.Second,  // 4th
		16 * time.Second, // 5th
		32 * time.Second, // 6th
		60 * time.Second, // capped
		60 * time.Second,
	}
	for n, expected := range want {
		if got := backoffDelay(n, base, max); got != expected {
			t.Errorf("backoffDelay(%d) = %v, want %v", n, got, expected)
		}
	}
	// Very large attempt counts must not overflow.
	if got := backoffDelay(500, base, max); got != max {
		t.Errorf("backoffDelay(500) = %v, want %v", got, max)
	}
}

func TestWatchdogClosesIdleConnection(t *testing.T) {
	url := newTestHost(t, nil) // silent host

	c := New(Options{
		URL:         url,
		IdleTimeout: 60 * time.Millisecond,
		BackoffBase: time.Hour, // keep it down once the watchdog fires
		BackoffMax:  time.Hour,
	})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !c.IsConnected() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.IsConnected() {
		t.Fatal("Watchdog never closed the silent connection")
	}

	c.mu.Lock()
	attempts := c.attempts
	scheduled := c.reconnect != nil
	c.mu.Unlock()
	if attempts != 1 {
		t.Errorf("Expected attempt counter at 1 after watchdog fire, got %d", attempts)
	}
	if !scheduled {
		t.Error("Expected a reconnect to be scheduled after watchdog fire")
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	url := newTestHost(t, nil)

	c := New(Options{URL: url, BackoffBase: 10 * time.Millisecond})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	c.Disconnect()
	time.Sleep(100 * time.Millisecond)

	if c.IsConnected() {
		t.Error("Expected to stay disconnected after explicit Disconnect")
	}
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Errorf("Explicit disconnect must not schedule reconnects, attempts=%d", attempts)
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	pushes := make(chan string, 4)
	var dropFirst bool
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type == wire.TypePush {
			if f.Event == "dropme" && !dropFirst {
				dropFirst = true
				ws.Close()
				return
			}
			pushes <- f.Event
		}
	})

	c := New(Options{URL: url, BackoffBase: 20 * time.Millisecond})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First push makes the server slam the connection shut.
	c.SendPush("dropme", nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !c.IsConnected() {
		time.Sleep(10 * time.Millisecond)
	}
	// c may have flapped; what matters is that it came back on its own.
	if !c.IsConnected() {
		// Allow one more backoff round.
		time.Sleep(200 * time.Millisecond)
	}

	c.SendPush("after", nil)
	select {
	case got := <-pushes:
		if got != "after" {
			t.Errorf("Expected push after reconnect, got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Push never arrived after automatic reconnect")
	}
}

func TestSocketLossFailsInflightRequest(t *testing.T) {
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type == wire.TypeRequest {
			// Kill the socket instead of answering.
			ws.Close()
		}
	})

	c := New(Options{
		URL:            url,
		RequestTimeout: 3 * time.Second,
		BackoffBase:    time.Hour,
		BackoffMax:     time.Hour,
	})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	start := time.Now()
	_, err := c.Request(context.Background(), "getCurrentFile", nil)
	if err == nil {
		t.Fatal("Expected error after socket loss")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("Request should fail with the disconnect cause, not the deadline: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Request took %v to fail after the socket dropped", elapsed)
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("Pending map should be empty after disconnect, has %d entries", n)
	}
}

func TestDisconnectFailsInflightRequest(t *testing.T) {
	url := newTestHost(t, nil) // swallows requests, never answers

	c := New(Options{URL: url, RequestTimeout: 3 * time.Second})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "getWorkspacePath", nil)
		errs <- err
	}()

	// Let the request reach the wire before yanking the connection.
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("Expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Request should fail as soon as Disconnect runs")
	}
}

func TestDisconnectDuringConnectWins(t *testing.T) {
	dialing := make(chan struct{}, 1)
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case dialing <- struct{}{}:
		default:
		}
		<-release
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := New(Options{URL: url})
	defer c.Close()

	errs := make(chan error, 1)
	go func() { errs <- c.Connect(context.Background()) }()

	// Disconnect lands while the dial is still waiting on the handshake.
	<-dialing
	c.Disconnect()
	close(release)

	if err := <-errs; !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected from the aborted Connect, got %v", err)
	}
	if c.IsConnected() {
		t.Fatal("Disconnect must win over a Connect still in flight")
	}

	// The connection stays usable afterwards.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after aborted attempt failed: %v", err)
	}
	if !c.IsConnected() {
		t.Error("Expected a live connection after the retry")
	}
}

func TestMalformedInboundFrameIsIgnored(t *testing.T) {
	url := newTestHost(t, func(ws *websocket.Conn, f *wire.Frame) {
		if f.Type != wire.TypeRequest {
			return
		}
		// Garbage first, then the real response.
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`not even json`))
		resp, _ := wire.NewResponse(f.ID, "ok")
		raw, _ := wire.Encode(resp)
		ws.WriteMessage(websocket.TextMessage, raw)
	})

	c := New(Options{URL: url})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	result, err := c.Request(context.Background(), "getWorkspacePath", nil)
	if err != nil {
		t.Fatalf("Request failed despite garbage frames: %v", err)
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil || s != "ok" {
		t.Errorf("Expected ok result, got %s (%v)", result, err)
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/", DialTimeout: 200 * time.Millisecond})
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Expected dial failure")
	}
	if c.State() != Disconnected {
		t.Errorf("Expected Disconnected after failed dial, got %v", c.State())
	}
	c.mu.Lock()
	scheduled := c.reconnect != nil
	c.mu.Unlock()
	if scheduled {
		t.Error("A failed explicit Connect must not schedule a reconnect itself")
	}
}
