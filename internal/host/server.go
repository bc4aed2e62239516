// Package host runs the editor-side half of the control channel: a
// loopback WebSocket server the agent bridge connects to. It answers
// the agent's state queries, absorbs its progress pushes, and can
// originate triggerProcessing requests of its own.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chronicle-md/chronicle/internal/bridge"
	"github.com/chronicle-md/chronicle/internal/session"
	"github.com/chronicle-md/chronicle/internal/wire"
)

var (
	ErrNoAgent        = errors.New("no agent connected")
	ErrRequestTimeout = errors.New("agent did not respond in time")
)

// Server accepts agent connections on the loopback interface.
type Server struct {
	state    *State
	sessions *session.Tracker
	log      *zap.Logger

	// OnPush sees every push the agent sends, after State intake.
	OnPush func(event string, data json.RawMessage)

	requestTimeout time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	clients  map[*client]struct{}
	pending  map[string]chan *wire.Frame
	queue    *bridge.PushQueue
	closed   bool
}

type client struct {
	ws *websocket.Conn
	// wmu serializes writes; reads stay on the read loop goroutine.
	wmu sync.Mutex
}

func (c *client) writeFrame(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Options tunes the server. Zero values get defaults.
type Options struct {
	// RequestTimeout bounds host-originated requests.
	RequestTimeout time.Duration
	// QueueLimit bounds pushes held while no agent is connected.
	QueueLimit int
	// Sessions, when set, is consulted for getCurrentFile responses.
	Sessions *session.Tracker
	Logger   *zap.Logger
}

func NewServer(state *State, opts Options) *Server {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.QueueLimit == 0 {
		opts.QueueLimit = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		state:          state,
		sessions:       opts.Sessions,
		log:            opts.Logger,
		requestTimeout: opts.RequestTimeout,
		clients:        make(map[*client]struct{}),
		pending:        make(map[string]chan *wire.Frame),
		queue:          bridge.NewPushQueue(opts.QueueLimit),
	}
}

// Start listens on 127.0.0.1:port. Port 0 picks a free port; Addr
// reports the bound address.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", zap.Error(err))
		}
	}()

	s.log.Info("control channel listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the listener and drops all agent connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpSrv
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.ws.Close()
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// ClientCount reports connected agents.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket handshake failed", zap.Error(err))
		return
	}

	c := &client{ws: ws}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.log.Info("agent connected", zap.String("remote", ws.RemoteAddr().String()))
	s.flushQueued(c)
	go s.readLoop(c)
}

// flushQueued drains pushes held while no agent was attached.
func (s *Server) flushQueued(c *client) {
	for {
		p, ok := s.queue.PopHead()
		if !ok {
			return
		}
		frame := &wire.Frame{Type: wire.TypePush, Event: p.Event, Data: p.Data}
		if err := c.writeFrame(frame); err != nil {
			s.queue.PushHead(p)
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer func() {
		c.ws.Close()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.log.Info("agent disconnected")
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case wire.TypeRequest:
			s.handleRequest(c, frame)
		case wire.TypeResponse:
			s.handleResponse(frame)
		case wire.TypePush:
			s.handlePush(frame)
		}
	}
}

func (s *Server) handleRequest(c *client, req *wire.Frame) {
	s.log.Debug("agent request", zap.String("method", req.Method), zap.String("id", req.ID))

	var resp *wire.Frame
	switch req.Method {
	case "getCurrentFile":
		resp = s.currentFileResponse(req.ID)
	case "getWorkspacePath":
		resp = s.workspacePathResponse(req.ID)
	default:
		resp = wire.NewErrorResponse(req.ID, "unknown method: "+req.Method)
	}

	if err := c.writeFrame(resp); err != nil {
		s.log.Warn("write response failed", zap.Error(err))
	}
}

func (s *Server) currentFileResponse(id string) *wire.Frame {
	path, content, ok := s.state.CurrentFile()
	if !ok {
		resp, _ := wire.NewResponse(id, map[string]any{
			"path":         nil,
			"relativePath": nil,
			"content":      nil,
			"error":        "No file currently open",
		})
		return resp
	}

	result := map[string]any{
		"path":         path,
		"relativePath": s.state.RelativePath(),
		"content":      content,
		"session":      nil,
	}
	if s.sessions != nil {
		if sess := s.sessions.Current(); sess != nil {
			result["session"] = sess
		}
	}
	resp, err := wire.NewResponse(id, result)
	if err != nil {
		return wire.NewErrorResponse(id, err.Error())
	}
	return resp
}

func (s *Server) workspacePathResponse(id string) *wire.Frame {
	ws := s.state.Workspace()
	if ws == "" {
		resp, _ := wire.NewResponse(id, map[string]any{
			"path":  nil,
			"error": "No workspace open",
		})
		return resp
	}
	resp, _ := wire.NewResponse(id, map[string]any{"path": ws})
	return resp
}

func (s *Server) handleResponse(frame *wire.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.mu.Unlock()
	if !ok {
		// Late reply to a request that already timed out.
		s.log.Debug("dropping unmatched response", zap.String("id", frame.ID))
		return
	}
	ch <- frame
}

func (s *Server) handlePush(frame *wire.Frame) {
	s.log.Info("agent push", zap.String("event", frame.Event))

	switch frame.Event {
	case "processingComplete":
		s.state.SetProcessingResult(frame.Data)
	case "processingError":
		var payload struct {
			Error string `json:"error"`
		}
		msg := "Unknown error"
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &payload); err == nil && payload.Error != "" {
				msg = payload.Error
			}
		}
		s.state.SetProcessingError(msg)
	}

	if s.OnPush != nil {
		s.OnPush(frame.Event, frame.Data)
	}
}

// Broadcast sends a push to every connected agent. With no agent
// attached, or when no attached agent accepts the write, the push is
// queued and flushed on the next connect.
func (s *Server) Broadcast(event string, data any) error {
	frame, err := wire.NewPush(event, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		if err := c.writeFrame(frame); err != nil {
			s.log.Warn("broadcast write failed", zap.Error(err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		if dropped := s.queue.Append(bridge.Push{Event: frame.Event, Data: frame.Data}); dropped > 0 {
			s.log.Warn("push queue overflow", zap.Int("dropped", dropped))
		}
	}
	return nil
}

// TriggerProcessing asks a connected agent to process the current note
// and waits for its acknowledgement.
func (s *Server) TriggerProcessing(ctx context.Context, style string) (json.RawMessage, error) {
	if _, _, ok := s.state.CurrentFile(); !ok {
		return nil, errors.New("no file currently open")
	}
	if style == "" {
		style = "standard"
	}

	s.mu.Lock()
	var target *client
	for c := range s.clients {
		target = c
		break
	}
	s.mu.Unlock()
	if target == nil {
		return nil, ErrNoAgent
	}

	id := "trigger-" + uuid.NewString()
	req, err := wire.NewRequest(id, "triggerProcessing", map[string]string{"style": style})
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Frame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	if err := target.writeFrame(req); err != nil {
		cleanup()
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		cleanup()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}
