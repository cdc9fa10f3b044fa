package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SupervisorState is the lifecycle position of one session.
type SupervisorState int32

const (
	StateConnecting SupervisorState = iota
	StateReady
	StateActive
	StateStopping
	StateClosed
)

func (s SupervisorState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Supervisor owns one session's lifecycle from transport open to teardown.
// It runs as its own goroutine; nothing outside that goroutine closes the
// session or its transport.
//
// Ready is closed exactly once when the handshake succeeds. Stop may be
// called any number of times; only the first has an effect. Done is closed
// after the supervisor reaches StateClosed.
type Supervisor struct {
	serverID   string
	generation string
	desc       ResolvedDescriptor

	client         *mcp.Client
	transports     TransportFactory
	connectTimeout time.Duration
	rpcLogger      RPCLogger
	logger         *slog.Logger

	state atomic.Int32

	ready     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	stopCtx   context.Context
	cancelRun context.CancelFunc

	// session and err are written by the supervisor goroutine before
	// ready and done are closed respectively.
	session *Session
	err     error
}

type supervisorConfig struct {
	client         *mcp.Client
	transports     TransportFactory
	connectTimeout time.Duration
	rpcLogger      RPCLogger
	logger         *slog.Logger
}

func newSupervisor(desc ResolvedDescriptor, cfg supervisorConfig) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		serverID:       desc.ID,
		generation:     uuid.NewString(),
		desc:           desc,
		client:         cfg.client,
		transports:     cfg.transports,
		connectTimeout: cfg.connectTimeout,
		rpcLogger:      cfg.rpcLogger,
		ready:          make(chan struct{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		stopCtx:        ctx,
		cancelRun:      cancel,
	}
	s.logger = cfg.logger.With("server", desc.ID, "generation", s.generation)
	s.state.Store(int32(StateConnecting))
	return s
}

// ServerID returns the identifier of the supervised server.
func (s *Supervisor) ServerID() string { return s.serverID }

// Generation distinguishes successive sessions for the same server id.
func (s *Supervisor) Generation() string { return s.generation }

// State returns the current lifecycle state.
func (s *Supervisor) State() SupervisorState { return SupervisorState(s.state.Load()) }

// Ready is closed once the session is usable.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Done is closed once teardown has completed.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err returns the connect failure, if any, after Done is closed.
func (s *Supervisor) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stop requests teardown. It never blocks and is safe to call repeatedly.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancelRun()
	})
}

// Wait blocks until teardown completes or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitReady blocks until the session is usable, the connect attempt fails,
// or ctx is done. On ctx expiry the supervisor is asked to stop so that a
// late handshake does not leak a session nobody owns.
func (s *Supervisor) awaitReady(ctx context.Context) (*Session, error) {
	select {
	case <-s.ready:
		return s.session, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		s.Stop()
		return nil, &ConnectError{ServerID: s.serverID, Err: ctx.Err()}
	}
}

func (s *Supervisor) setState(state SupervisorState) {
	s.state.Store(int32(state))
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.cancelRun()

	var stack releaseStack
	cs, err := s.connect(&stack)
	if err != nil {
		s.err = &ConnectError{ServerID: s.serverID, Err: err}
		stack.release(s.logger)
		s.setState(StateClosed)
		s.logger.Warn("connect failed", "error", err)
		return
	}

	s.session = newSession(s, cs)
	s.setState(StateReady)
	close(s.ready)
	s.logger.Info("connected")
	s.setState(StateActive)

	hangup := make(chan error, 1)
	go func() { hangup <- cs.Wait() }()

	select {
	case <-s.stop:
		s.logger.Debug("stop requested")
	case err := <-hangup:
		s.logger.Warn("session ended by remote", "error", err)
	}

	s.setState(StateStopping)
	stack.release(s.logger)
	s.setState(StateClosed)
	s.logger.Info("session closed")
}

// connect opens the transport and performs the initialize handshake, trying
// each candidate transport in order. Every opened resource is pushed onto
// stack so that it is released exactly once on every exit path.
func (s *Supervisor) connect(stack *releaseStack) (*mcp.ClientSession, error) {
	transports, err := s.transports(s.desc)
	if err != nil {
		return nil, err
	}
	if len(transports) == 0 {
		return nil, fmt.Errorf("mcpmgr: no transport for %q", s.serverID)
	}

	ctx, cancel := context.WithTimeout(s.stopCtx, s.connectTimeout)
	defer cancel()

	var errs []error
	for _, transport := range transports {
		wrapped := &observedTransport{
			serverID: s.serverID,
			delegate: transport,
			logger:   s.rpcLogger,
			onConnect: func(conn *observedConnection) {
				stack.push("transport", conn.Close)
			},
		}
		cs, err := s.client.Connect(ctx, wrapped, nil)
		if err == nil {
			stack.push("session", cs.Close)
			return cs, nil
		}
		errs = append(errs, fmt.Errorf("%T: %w", transport, err))
		stack.release(s.logger)
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		errs = append(errs, fmt.Errorf("connect timed out after %s", s.connectTimeout))
	}
	return nil, errors.Join(errs...)
}

type releaseFunc struct {
	name string
	fn   func() error
}

// releaseStack releases resources in reverse acquisition order. Errors and
// panics raised during release are logged, never propagated.
type releaseStack struct {
	mu  sync.Mutex
	fns []releaseFunc
}

func (r *releaseStack) push(name string, fn func() error) {
	r.mu.Lock()
	r.fns = append(r.fns, releaseFunc{name: name, fn: fn})
	r.mu.Unlock()
}

func (r *releaseStack) release(logger *slog.Logger) {
	r.mu.Lock()
	fns := r.fns
	r.fns = nil
	r.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		releaseOne(fns[i], logger)
	}
}

func releaseOne(rf releaseFunc, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic during release", "resource", rf.name, "panic", p)
		}
	}()
	if err := rf.fn(); err != nil {
		logger.Debug("release error", "resource", rf.name, "error", err)
	}
}
