package host

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chronicle-md/chronicle/internal/wire"
)

func startTestServer(t *testing.T, opts Options) (*Server, *State) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	state := NewState()
	srv := NewServer(state, opts)
	if err := srv.Start(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, state
}

func dialAgent(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, f *wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) *wire.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestGetCurrentFile(t *testing.T) {
	srv, state := startTestServer(t, Options{})
	ws := t.TempDir()
	notePath := filepath.Join(ws, "notes", "standup.md")
	state.SetWorkspace(ws)
	state.SetCurrentFile(notePath, "# Standup\n")

	agent := dialAgent(t, srv)
	req, _ := wire.NewRequest("req-1", "getCurrentFile", nil)
	sendFrame(t, agent, req)

	resp := readFrame(t, agent)
	if resp.Type != wire.TypeResponse || resp.ID != "req-1" {
		t.Fatalf("resp = %+v", resp)
	}

	var result struct {
		Path         string `json:"path"`
		RelativePath string `json:"relativePath"`
		Content      string `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Path != notePath || result.RelativePath != "notes/standup.md" {
		t.Errorf("result = %+v", result)
	}
	if result.Content != "# Standup\n" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestGetCurrentFileNoneOpen(t *testing.T) {
	srv, _ := startTestServer(t, Options{})
	agent := dialAgent(t, srv)

	req, _ := wire.NewRequest("req-1", "getCurrentFile", nil)
	sendFrame(t, agent, req)

	resp := readFrame(t, agent)
	var result struct {
		Path  *string `json:"path"`
		Error string  `json:"error"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Path != nil || result.Error == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestGetWorkspacePath(t *testing.T) {
	srv, state := startTestServer(t, Options{})
	state.SetWorkspace("/tmp/ws")
	agent := dialAgent(t, srv)

	req, _ := wire.NewRequest("req-2", "getWorkspacePath", nil)
	sendFrame(t, agent, req)

	resp := readFrame(t, agent)
	var result struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Path != "/tmp/ws" {
		t.Errorf("path = %q", result.Path)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := startTestServer(t, Options{})
	agent := dialAgent(t, srv)

	req, _ := wire.NewRequest("req-3", "selfDestruct", nil)
	sendFrame(t, agent, req)

	resp := readFrame(t, agent)
	if resp.Error == "" {
		t.Errorf("expected error response, got %+v", resp)
	}
}

func TestProcessingPushesUpdateState(t *testing.T) {
	srv, state := startTestServer(t, Options{})
	agent := dialAgent(t, srv)

	push, _ := wire.NewPush("processingComplete", map[string]string{"summary": "done"})
	sendFrame(t, agent, push)

	waitUntil(t, func() bool {
		result, _ := state.LastProcessing()
		return len(result) > 0
	})

	push, _ = wire.NewPush("processingError", map[string]string{"error": "model unavailable"})
	sendFrame(t, agent, push)

	waitUntil(t, func() bool {
		_, errMsg := state.LastProcessing()
		return errMsg == "model unavailable"
	})
	_ = srv
}

func TestOnPushCallback(t *testing.T) {
	srv, _ := startTestServer(t, Options{})
	got := make(chan string, 1)
	srv.OnPush = func(event string, _ json.RawMessage) {
		select {
		case got <- event:
		default:
		}
	}

	agent := dialAgent(t, srv)
	push, _ := wire.NewPush("processingStarted", nil)
	sendFrame(t, agent, push)

	select {
	case event := <-got:
		if event != "processingStarted" {
			t.Errorf("event = %q", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnPush never fired")
	}
}

func TestBroadcastQueuedUntilConnect(t *testing.T) {
	srv, _ := startTestServer(t, Options{})

	for i, kind := range []string{"tags", "actions"} {
		if err := srv.Broadcast("chronicleUpdated", map[string]any{"kind": kind, "seq": i}); err != nil {
			t.Fatal(err)
		}
	}

	agent := dialAgent(t, srv)
	for _, wantKind := range []string{"tags", "actions"} {
		frame := readFrame(t, agent)
		if frame.Type != wire.TypePush || frame.Event != "chronicleUpdated" {
			t.Fatalf("frame = %+v", frame)
		}
		var data struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Kind != wantKind {
			t.Errorf("kind = %q, want %q", data.Kind, wantKind)
		}
	}
}

func TestBroadcastQueuesWhenWriteFails(t *testing.T) {
	srv, _ := startTestServer(t, Options{})

	// Mint a socket, kill it, and attach it as a client so the
	// broadcast write is guaranteed to fail.
	ws := dialAgent(t, srv)
	ws.Close()
	waitUntil(t, func() bool { return srv.ClientCount() == 0 })

	dead := &client{ws: ws}
	srv.mu.Lock()
	srv.clients[dead] = struct{}{}
	srv.mu.Unlock()

	if err := srv.Broadcast("chronicleUpdated", map[string]string{"kind": "tags"}); err != nil {
		t.Fatal(err)
	}

	srv.mu.Lock()
	delete(srv.clients, dead)
	srv.mu.Unlock()

	// The push was not lost: the next agent to connect receives it.
	agent := dialAgent(t, srv)
	frame := readFrame(t, agent)
	if frame.Type != wire.TypePush || frame.Event != "chronicleUpdated" {
		t.Fatalf("frame = %+v", frame)
	}
	var data struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Kind != "tags" {
		t.Errorf("kind = %q", data.Kind)
	}
}

func TestBroadcastDirectWhenConnected(t *testing.T) {
	srv, _ := startTestServer(t, Options{})
	agent := dialAgent(t, srv)

	waitUntil(t, func() bool { return srv.ClientCount() == 1 })
	if err := srv.Broadcast("chronicleUpdated", map[string]string{"kind": "links"}); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, agent)
	if frame.Event != "chronicleUpdated" {
		t.Errorf("event = %q", frame.Event)
	}
}

func TestTriggerProcessing(t *testing.T) {
	srv, state := startTestServer(t, Options{})
	state.SetCurrentFile("/ws/note.md", "# note")

	agent := dialAgent(t, srv)
	waitUntil(t, func() bool { return srv.ClientCount() == 1 })

	// Agent side: answer the incoming request.
	go func() {
		_, raw, err := agent.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil || frame.Method != "triggerProcessing" {
			return
		}
		resp, _ := wire.NewResponse(frame.ID, map[string]string{"status": "started"})
		data, _ := wire.Encode(resp)
		agent.WriteMessage(websocket.TextMessage, data)
	}()

	result, err := srv.TriggerProcessing(context.Background(), "brief")
	if err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Status != "started" {
		t.Errorf("status = %q", parsed.Status)
	}
}

func TestTriggerProcessingNoAgent(t *testing.T) {
	srv, state := startTestServer(t, Options{})
	state.SetCurrentFile("/ws/note.md", "# note")

	_, err := srv.TriggerProcessing(context.Background(), "")
	if err != ErrNoAgent {
		t.Errorf("err = %v, want ErrNoAgent", err)
	}
}

func TestTriggerProcessingNoFileOpen(t *testing.T) {
	srv, _ := startTestServer(t, Options{})
	if _, err := srv.TriggerProcessing(context.Background(), ""); err == nil {
		t.Error("expected error with no file open")
	}
}

func TestTriggerProcessingTimeout(t *testing.T) {
	srv, state := startTestServer(t, Options{RequestTimeout: 100 * time.Millisecond})
	state.SetCurrentFile("/ws/note.md", "# note")

	dialAgent(t, srv) // connects but never answers
	waitUntil(t, func() bool { return srv.ClientCount() == 1 })

	_, err := srv.TriggerProcessing(context.Background(), "")
	if err != ErrRequestTimeout {
		t.Errorf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	srv, state := startTestServer(t, Options{})
	state.SetWorkspace("/tmp/ws")
	agent := dialAgent(t, srv)

	if err := agent.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatal(err)
	}

	// The connection survives and still answers requests.
	req, _ := wire.NewRequest("req-9", "getWorkspacePath", nil)
	sendFrame(t, agent, req)
	resp := readFrame(t, agent)
	if resp.ID != "req-9" {
		t.Errorf("resp = %+v", resp)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
