// Package bridge maintains the WebSocket control channel from the agent
// process to the Chronicle host.
//
// A Conn owns one logical connection and its lifecycle: it dials, keeps
// a read loop running while connected, correlates requests with
// responses, queues pushes while the host is down, and reconnects with
// exponential backoff after any close. An inactivity watchdog treats
// prolonged silence on an ostensibly open socket as a failure, since a
// TCP connection can look open long after the peer is gone (sleep/wake,
// idle NAT timeouts).
//
// Each Conn is self-contained; tests instantiate as many independent
// connections as they need.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chronicle-md/chronicle/internal/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// RequestHandler serves a peer-originated request (the host asking the
// agent to do something, e.g. triggerProcessing).
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// PushHandler receives a peer-originated push.
type PushHandler func(event string, data json.RawMessage)

// Options configures a Conn.
type Options struct {
	// URL is the host control socket, e.g. "ws://127.0.0.1:9847/".
	URL string

	// RequestTimeout bounds how long a Request waits for its response.
	RequestTimeout time.Duration

	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration

	// BackoffBase and BackoffMax shape the reconnect delay:
	// delay = min(BackoffBase << attempts, BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// IdleTimeout is how long the socket may stay silent before the
	// watchdog closes it.
	IdleTimeout time.Duration

	// QueueLimit bounds the push queue; overflow drops the oldest
	// entry. 0 means unbounded.
	QueueLimit int

	// OnRequest and OnPush handle peer-originated frames.
	OnRequest RequestHandler
	OnPush    PushHandler

	Logger *zap.Logger
}

// Default tuning. Request timeout and backoff follow the host protocol
// contract; the idle timeout is fixed at one minute of silence.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultBackoffBase    = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultQueueLimit     = 1024
)

func (o *Options) fillDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = DefaultQueueLimit
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Conn is a resilient client connection to the Chronicle host.
type Conn struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	attempts  int
	manual    bool // caller disconnected; suppress auto-reconnect
	closed    bool
	gen       uint64 // connection generation; guards stale callbacks
	reconnect *time.Timer
	idle      *time.Timer
	pending   map[string]chan pendingResult
	draining  bool

	wmu sync.Mutex // serializes socket writes

	nextID atomic.Uint64
	queue  *PushQueue
}

// New creates a Conn. No connection is attempted until Connect.
func New(opts Options) *Conn {
	opts.fillDefaults()
	return &Conn{
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[string]chan pendingResult),
		queue:   NewPushQueue(opts.QueueLimit),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open.
func (c *Conn) IsConnected() bool {
	return c.State() == Connected
}

// QueuedPushes returns the number of pushes awaiting delivery.
func (c *Conn) QueuedPushes() int {
	return c.queue.Len()
}

// Connect attempts a single socket open. It returns nil once the
// socket is up and the read loop is running; a failed dial returns the
// error without retrying (the internal reconnect loop has its own
// schedule). Calling Connect re-enables auto-reconnect after an
// explicit Disconnect.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.state = Connecting
	c.manual = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	url := c.opts.URL
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.closed || c.manual {
		// Close or Disconnect raced the dial; the fresh socket loses.
		closed := c.closed
		c.state = Disconnected
		c.mu.Unlock()
		ws.Close()
		if closed {
			return ErrClosed
		}
		return fmt.Errorf("dial %s: %w", url, ErrNotConnected)
	}
	c.ws = ws
	c.state = Connected
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	// Any inbound traffic counts as liveness, including protocol pings.
	ws.SetPingHandler(func(appData string) error {
		c.resetIdle(gen)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	ws.SetPongHandler(func(string) error {
		c.resetIdle(gen)
		return nil
	})
	c.resetIdle(gen)

	c.log.Info("connected to host", zap.String("url", url))

	go c.readLoop(ws, gen)
	go c.drainQueue()
	return nil
}

// Disconnect force-closes the socket and suppresses auto-reconnect
// until Connect is called again.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.teardownLocked(ErrNotConnected)
	c.mu.Unlock()
}

// Close shuts the connection down permanently.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.manual = true
	c.teardownLocked(ErrClosed)
	c.mu.Unlock()
	return nil
}

// teardownLocked closes the live socket, stops timers, and fails every
// in-flight request with cause. A response correlated to a dead socket
// can never arrive, so waiting out the deadline would only delay the
// caller. Caller holds mu.
func (c *Conn) teardownLocked(cause error) {
	c.gen++ // invalidate read-loop and timer callbacks for the old socket
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if cause == nil {
		cause = ErrNotConnected
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- pendingResult{err: cause}
	}
	c.state = Disconnected
}

// Request sends a request frame and waits for the matching response.
// It fails immediately with ErrNotConnected while the socket is down.
// The returned bytes are the raw result value of the response frame.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != Connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("request %s: %w", method, ErrNotConnected)
	}
	id := fmt.Sprintf("req-%d", c.nextID.Add(1))
	ch := make(chan pendingResult, 1)
	c.pending[id] = ch
	ws := c.ws
	c.mu.Unlock()

	frame, err := wire.NewRequest(id, method, params)
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := c.writeFrame(ws, frame); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("request %s: %w", method, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("request %s: %w", method, res.err)
		}
		return res.result, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("request %s after %s: %w", method, c.opts.RequestTimeout, ErrTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// SendPush delivers a one-way notification with at-least-once intent.
// If the socket is down, or queued pushes are still draining, the push
// is appended to the FIFO queue and delivered on the next reconnect.
// SendPush never blocks and never reports an error to the caller.
func (c *Conn) SendPush(event string, data any) {
	frame, err := wire.NewPush(event, data)
	if err != nil {
		c.log.Error("push dropped: marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	c.mu.Lock()
	direct := c.state == Connected && !c.draining && c.queue.Len() == 0
	ws := c.ws
	c.mu.Unlock()

	if direct {
		if err := c.writeFrame(ws, frame); err == nil {
			return
		}
		// Fall through: the write failed, keep the push for the next
		// connection. The read loop will notice the dead socket.
	}

	if dropped := c.queue.Append(Push{Event: frame.Event, Data: frame.Data}); dropped > 0 {
		c.log.Warn("push queue full, dropped oldest entry",
			zap.Int("limit", c.opts.QueueLimit),
			zap.Uint64("total_dropped", c.queue.Dropped()))
	}
}

// drainQueue delivers queued pushes head-to-tail, re-checking
// connectivity before each send. If the socket dies mid-drain the
// in-flight item is re-inserted at the head so order is preserved.
func (c *Conn) drainQueue() {
	c.mu.Lock()
	if c.draining || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.state != Connected {
			c.draining = false
			c.mu.Unlock()
			return
		}
		p, ok := c.queue.PopHead()
		if !ok {
			c.draining = false
			c.mu.Unlock()
			return
		}
		ws := c.ws
		c.mu.Unlock()

		frame := &wire.Frame{Type: wire.TypePush, Event: p.Event, Data: p.Data}
		if err := c.writeFrame(ws, frame); err != nil {
			c.queue.PushHead(p)
			c.mu.Lock()
			c.draining = false
			c.mu.Unlock()
			return
		}
	}
}

func (c *Conn) writeFrame(ws *websocket.Conn, f *wire.Frame) error {
	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop consumes frames until the socket errors, then funnels into
// the disconnect path. gen ties the loop to the socket it was started
// for so a stale loop cannot tear down a newer connection.
func (c *Conn) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.resetIdle(gen)

		frame, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case wire.TypeResponse:
			c.resolvePending(frame)
		case wire.TypeRequest:
			go c.serveRequest(ws, frame)
		case wire.TypePush:
			if h := c.opts.OnPush; h != nil {
				go h(frame.Event, frame.Data)
			}
		}
	}
}

func (c *Conn) resolvePending(frame *wire.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Late response for a request that already timed out, or an id
		// we never issued. Either way it is dropped.
		c.log.Debug("dropping response with no pending request", zap.String("id", frame.ID))
		return
	}

	if frame.Error != "" {
		ch <- pendingResult{err: fmt.Errorf("host error: %s", frame.Error)}
		return
	}
	ch <- pendingResult{result: frame.Result}
}

func (c *Conn) serveRequest(ws *websocket.Conn, frame *wire.Frame) {
	h := c.opts.OnRequest
	var resp *wire.Frame
	if h == nil {
		resp = wire.NewErrorResponse(frame.ID, fmt.Sprintf("unknown method: %s", frame.Method))
	} else {
		result, err := h(context.Background(), frame.Method, frame.Params)
		if err != nil {
			resp = wire.NewErrorResponse(frame.ID, err.Error())
		} else {
			var rerr error
			resp, rerr = wire.NewResponse(frame.ID, result)
			if rerr != nil {
				resp = wire.NewErrorResponse(frame.ID, rerr.Error())
			}
		}
	}
	if err := c.writeFrame(ws, resp); err != nil {
		c.log.Warn("failed to send response", zap.String("id", frame.ID), zap.Error(err))
	}
}

// handleDisconnect transitions to Disconnected and schedules a
// reconnect unless the caller disconnected on purpose.
func (c *Conn) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection replaced this one already.
		c.mu.Unlock()
		return
	}
	c.log.Info("disconnected from host", zap.Error(cause))
	c.teardownLocked(cause)
	if !c.manual && !c.closed {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer. Caller holds mu.
func (c *Conn) scheduleReconnectLocked() {
	delay := backoffDelay(c.attempts, c.opts.BackoffBase, c.opts.BackoffMax)
	c.attempts++
	c.log.Info("scheduling reconnect",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay))

	c.reconnect = time.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.mu.Lock()
			if !c.manual && !c.closed && c.state == Disconnected {
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
		}
	})
}

// backoffDelay computes min(base << attempts, max), guarding shift
// overflow for large attempt counts.
func backoffDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts > 30 {
		return max
	}
	d := base << uint(attempts)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// resetIdle re-arms the inactivity watchdog for the given connection
// generation. When the watchdog fires it closes the live socket, which
// surfaces as a read error and takes the normal disconnect path.
func (c *Conn) resetIdle(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != Connected {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = time.AfterFunc(c.opts.IdleTimeout, func() {
		c.idleFired(gen)
	})
}

func (c *Conn) idleFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != Connected || c.ws == nil {
		return
	}
	c.log.Warn("no traffic on socket, closing", zap.Duration("idle_timeout", c.opts.IdleTimeout))
	c.ws.Close()
}
