// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"binopt.org/binopt/bin"
	"github.com/cenkalti/backoff/v4"
)

// Status describes the session state machine.
type Status uint32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusTerminated
)

// String satisfies fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusTerminated:
		return "terminated"
	}
	return "unknown"
}

// TemporalState is the engine's view of the shared application state: the
// part that must be cleared when a session drops. Durable fields (open deals,
// pending orders) survive for reconciliation; that split is the state
// object's responsibility.
type TemporalState interface {
	ClearTemporalData()
}

// Sender queues a frame for the session writer.
type Sender func(*Frame) error

// ReconnectCallback runs on every entry to the connected state, including the
// first. Callbacks restore server-side session state: re-subscribing streams,
// reconciling in-flight orders, replaying raw-handler keep-alives. A callback
// error is logged and does not fail the connection.
type ReconnectCallback struct {
	Name string
	Func func(ctx context.Context, send Sender) error
}

const (
	defaultReconnectBase    = 5 * time.Second
	defaultReconnectCap     = 300 * time.Second
	defaultCallbackDeadline = 15 * time.Second
	defaultOutboxSize       = 128
)

// Cfg configures an Engine.
type Cfg struct {
	// Connector establishes sessions. Required.
	Connector Connector
	// State, when set, has its temporal data cleared on every session
	// loss.
	State TemporalState
	// Logger is the engine logger. Required.
	Logger bin.Logger
	// ReconnectBase and ReconnectCap parameterize the exponential backoff
	// between failed connection attempts.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// CallbackDeadline bounds the reconnection callbacks collectively.
	CallbackDeadline time.Duration
	// OutboxSize is the capacity of the shared writer channel.
	OutboxSize int
}

type runnerCommand uint8

const (
	cmdDisconnect runnerCommand = iota
	cmdReconnect
	cmdShutdown
)

var (
	errShutdown   = errors.New("shutdown requested")
	errDisconnect = errors.New("disconnect requested")
)

// Engine owns the session: it drives connect/reconnect, spawns the reader and
// writer tasks, hosts the module tasks, and routes outbound frames from all
// producers onto the single writer.
type Engine struct {
	cfg    Cfg
	log    bin.Logger
	router *Router

	out  chan *Frame
	cmds chan runnerCommand
	quit chan struct{}

	status       atomic.Uint32
	shutdownFlag atomic.Bool

	connMtx     sync.Mutex
	connected   bool
	connectedCh chan struct{}

	modMtx  sync.Mutex
	running bool
	runCtx  context.Context
	pending []pendingModule

	cbMtx     sync.Mutex
	callbacks []ReconnectCallback

	wg sync.WaitGroup
}

type pendingModule struct {
	mod   Module
	inbox chan *Frame
}

// New creates an Engine. Modules and callbacks may be added before or after
// Run is called.
func New(cfg *Cfg) (*Engine, error) {
	if cfg.Connector == nil {
		return nil, errors.New("no connector configured")
	}
	log := cfg.Logger
	if log == nil {
		log = bin.Disabled
	}
	outSize := cfg.OutboxSize
	if outSize <= 0 {
		outSize = defaultOutboxSize
	}
	return &Engine{
		cfg:         *cfg,
		log:         log,
		router:      NewRouter(log),
		out:         make(chan *Frame, outSize),
		cmds:        make(chan runnerCommand, 4),
		quit:        make(chan struct{}),
		connectedCh: make(chan struct{}),
	}, nil
}

// Router is the engine's frame router.
func (e *Engine) Router() *Router {
	return e.router
}

// Middleware is the engine's middleware stack.
func (e *Engine) Middleware() *MiddlewareStack {
	return e.router.Middleware()
}

// AddModule registers a module's route and schedules its task. Modules added
// after Run has started begin running immediately.
func (e *Engine) AddModule(m Module) error {
	inbox, err := e.router.Register(m.Spec())
	if err != nil {
		return err
	}
	e.modMtx.Lock()
	defer e.modMtx.Unlock()
	if e.running {
		e.spawnModule(m, inbox)
		return nil
	}
	e.pending = append(e.pending, pendingModule{mod: m, inbox: inbox})
	return nil
}

// RemoveModule deregisters a module's route, closing its inbox. The module
// task exits when it drains the close.
func (e *Engine) RemoveModule(name string) {
	e.router.Deregister(name)
}

// spawnModule must be called with modMtx held and e.running true.
func (e *Engine) spawnModule(m Module, inbox chan *Frame) {
	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		m.Run(ctx, inbox, e.out)
	}()
}

// AddReconnectCallback registers a callback to run on every entry to the
// connected state.
func (e *Engine) AddReconnectCallback(cb ReconnectCallback) {
	e.cbMtx.Lock()
	e.callbacks = append(e.callbacks, cb)
	e.cbMtx.Unlock()
}

// Send queues a frame for the session writer. Send applies back-pressure
// when the outbox is full and fails once the engine has terminated. Frames
// queued while the link is down are written after the next connect.
func (e *Engine) Send(f *Frame) error {
	if Status(e.status.Load()) == StatusTerminated {
		return bin.NewError(bin.ErrConnectionLost, "engine terminated")
	}
	select {
	case e.out <- f:
		return nil
	case <-e.quit:
		return bin.NewError(bin.ErrConnectionLost, "engine terminated")
	}
}

// SendText queues a text frame.
func (e *Engine) SendText(s string) error {
	return e.Send(TextFrame(s))
}

// SendBinary queues a binary frame.
func (e *Engine) SendBinary(b []byte) error {
	return e.Send(BinaryFrame(b))
}

// Status is the current session status.
func (e *Engine) Status() Status {
	return Status(e.status.Load())
}

// IsConnected is true while a session is established.
func (e *Engine) IsConnected() bool {
	e.connMtx.Lock()
	defer e.connMtx.Unlock()
	return e.connected
}

// WaitConnected blocks until a session is established or the context is
// canceled.
func (e *Engine) WaitConnected(ctx context.Context) error {
	for {
		e.connMtx.Lock()
		connected, ch := e.connected, e.connectedCh
		e.connMtx.Unlock()
		if connected {
			return nil
		}
		select {
		case <-ch:
		case <-e.quit:
			return bin.NewError(bin.ErrConnectionLost, "engine terminated")
		case <-ctx.Done():
			return bin.NewError(bin.ErrTimeout, "waiting for connection")
		}
	}
}

func (e *Engine) setConnected(on bool) {
	e.connMtx.Lock()
	defer e.connMtx.Unlock()
	if on && !e.connected {
		e.connected = true
		close(e.connectedCh)
	} else if !on && e.connected {
		e.connected = false
		e.connectedCh = make(chan struct{})
	}
}

// Shutdown requests termination of the state machine. It is safe to call
// from any goroutine, repeatedly.
func (e *Engine) Shutdown() {
	e.shutdownFlag.Store(true)
	select {
	case e.cmds <- cmdShutdown:
	default:
	}
}

// Disconnect requests the session be dropped and re-established.
func (e *Engine) Disconnect() {
	select {
	case e.cmds <- cmdDisconnect:
	default:
	}
}

// Reconnect is an alias of Disconnect; the next connection cycle performs a
// fresh connect either way.
func (e *Engine) Reconnect() {
	select {
	case e.cmds <- cmdReconnect:
	default:
	}
}

// Run drives the session state machine until a shutdown is requested, the
// context is canceled, or the connector reports a fatal handshake rejection.
// Run starts every registered module task; module inboxes are closed on the
// way out, which the modules treat as graceful termination.
func (e *Engine) Run(ctx context.Context) error {
	e.modMtx.Lock()
	if e.running {
		e.modMtx.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.runCtx = ctx
	for _, pm := range e.pending {
		e.spawnModule(pm.mod, pm.inbox)
	}
	e.pending = nil
	e.modMtx.Unlock()

	defer func() {
		e.status.Store(uint32(StatusTerminated))
		e.setConnected(false)
		e.router.Close()
		close(e.quit)
		e.wg.Wait()
		e.log.Infof("engine terminated")
	}()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     e.reconnectBase(),
		MaxInterval:         e.reconnectCap(),
		Multiplier:          2,
		RandomizationFactor: 0.2,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	for !e.shutdownFlag.Load() {
		if ctx.Err() != nil {
			return nil
		}

		e.status.Store(uint32(StatusConnecting))
		conn, err := e.cfg.Connector.Connect(ctx)
		if err != nil {
			if errors.Is(err, bin.ErrHandshake) {
				e.log.Errorf("fatal handshake failure: %v", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			e.log.Warnf("connection failed: %v, retrying in %v", err, delay)
			e.status.Store(uint32(StatusDisconnected))
			select {
			case <-time.After(delay):
			case cmd := <-e.cmds:
				if cmd == cmdShutdown {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()

		// Entering Connected: no pairing rule may carry a latch from the
		// previous session.
		e.router.ResetRules()
		e.router.Middleware().onConnect()
		e.status.Store(uint32(StatusConnected))
		e.setConnected(true)
		e.log.Infof("session established")

		e.runCallbacks(ctx)

		reason := e.session(ctx, conn)

		e.setConnected(false)
		e.router.Middleware().onDisconnect()
		if e.cfg.State != nil {
			e.cfg.State.ClearTemporalData()
		}

		switch {
		case errors.Is(reason, errShutdown):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(reason, errDisconnect):
			e.log.Infof("session dropped on request, reconnecting")
		default:
			e.log.Warnf("session lost: %v", reason)
		}
		e.status.Store(uint32(StatusDisconnected))
	}
	return nil
}

// session runs the reader and writer tasks for one established connection
// and blocks until the session ends, returning why.
func (e *Engine) session(ctx context.Context, conn Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.readLoop(sessionCtx, conn, errCh)
	}()
	go func() {
		defer wg.Done()
		e.writeLoop(sessionCtx, conn, errCh)
	}()

	defer wg.Wait()
	defer conn.Close()
	defer cancel()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case cmd := <-e.cmds:
		if cmd == cmdShutdown {
			return errShutdown
		}
		return errDisconnect
	case err := <-errCh:
		return err
	}
}

func (e *Engine) readLoop(ctx context.Context, conn Conn, errCh chan<- error) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.router.Route(f)
	}
}

func (e *Engine) writeLoop(ctx context.Context, conn Conn, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.out:
			if err := e.router.Middleware().onSend(f); err != nil {
				e.log.Errorf("middleware rejected outbound %s: %v", f.Preview(), err)
				continue
			}
			if err := conn.WriteFrame(f); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

// runCallbacks runs every reconnection callback under a shared deadline.
func (e *Engine) runCallbacks(ctx context.Context) {
	e.cbMtx.Lock()
	cbs := make([]ReconnectCallback, len(e.callbacks))
	copy(cbs, e.callbacks)
	e.cbMtx.Unlock()

	deadline := e.cfg.CallbackDeadline
	if deadline <= 0 {
		deadline = defaultCallbackDeadline
	}
	cbCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, cb := range cbs {
		if err := cb.Func(cbCtx, e.Send); err != nil {
			e.log.Warnf("reconnect callback %q: %v", cb.Name, err)
		}
	}
}

func (e *Engine) reconnectBase() time.Duration {
	if e.cfg.ReconnectBase > 0 {
		return e.cfg.ReconnectBase
	}
	return defaultReconnectBase
}

func (e *Engine) reconnectCap() time.Duration {
	if e.cfg.ReconnectCap > 0 {
		return e.cfg.ReconnectCap
	}
	return defaultReconnectCap
}
