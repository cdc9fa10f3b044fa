package mcpmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Pool is a capacity-bounded, least-recently-used map from server id to live
// Session. Evicting an entry signals its supervisor to stop and lets teardown
// run in the background. All mutation goes through the Pool's methods; the
// underlying map is never exposed.
type Pool struct {
	opts   PoolOptions
	logger *slog.Logger

	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Session]
	inflight map[string]*pendingConnect
	live     map[*Supervisor]struct{}
	// evicted collects supervisors dropped by the LRU callback while mu is
	// held; callers drain it and signal stop after releasing mu.
	evicted []*Supervisor
	closed  bool
}

type pendingConnect struct {
	sup     *Supervisor
	done    chan struct{}
	session *Session
	err     error

	// removed is set by Remove while the attempt runs.
	removed bool
	// abandoned means the attempt ended with its caller's context; waiters
	// start their own attempt instead of inheriting that error.
	abandoned bool
}

// PoolEntry describes one pooled session.
type PoolEntry struct {
	ServerID   string
	Generation string
	State      SupervisorState
	CreatedAt  time.Time
}

// NewPool constructs an empty pool.
func NewPool(opts *PoolOptions) *Pool {
	o := opts.withDefaults()
	p := &Pool{
		opts:     o,
		logger:   o.Logger,
		inflight: make(map[string]*pendingConnect),
		live:     make(map[*Supervisor]struct{}),
	}
	lru, err := simplelru.NewLRU[string, *Session](o.MaxSessions, p.onEvict)
	if err != nil {
		// Only returned for a non-positive size, which withDefaults rules out.
		panic(err)
	}
	p.lru = lru
	return p
}

func (p *Pool) onEvict(id string, s *Session) {
	p.evicted = append(p.evicted, s.sup)
}

// GetOrCreate returns the pooled session for id, marking it most recently
// used. On a miss it resolves desc, starts a supervisor and waits for the
// handshake; the new entry is inserted as most recently used and the least
// recently used other entry is evicted if capacity is exceeded.
//
// Concurrent calls for the same missing id share one connection attempt:
// later callers wait for the first attempt and receive its outcome. If that
// attempt was abandoned because the first caller's context ended, a waiter
// whose own context is still live starts a new attempt.
//
// An attempt interrupted by Remove fails with ErrSessionClosed and leaves
// nothing in the pool.
func (p *Pool) GetOrCreate(ctx context.Context, id string, desc ServerDescriptor) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if s, ok := p.lru.Get(id); ok {
			p.mu.Unlock()
			return s, nil
		}
		pc, ok := p.inflight[id]
		if !ok {
			break
		}
		p.mu.Unlock()
		select {
		case <-pc.done:
			if pc.abandoned && ctx.Err() == nil {
				continue
			}
			return pc.session, pc.err
		case <-ctx.Done():
			return nil, &ConnectError{ServerID: id, Err: ctx.Err()}
		}
	}

	desc.ID = id
	resolved, err := Resolve(desc, p.environment())
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	sup := p.spawnLocked(resolved)
	pc := &pendingConnect{sup: sup, done: make(chan struct{})}
	p.inflight[id] = pc
	p.mu.Unlock()

	session, err := sup.awaitReady(ctx)

	p.mu.Lock()
	delete(p.inflight, id)
	switch {
	case pc.removed:
		sup.Stop()
		session, err = nil, &ConnectError{ServerID: id, Err: fmt.Errorf("%w: removed while connecting", ErrSessionClosed)}
	case err != nil:
		pc.abandoned = ctx.Err() != nil
	case p.closed:
		sup.Stop()
		session, err = nil, ErrPoolClosed
	default:
		p.lru.Add(id, session)
	}
	evicted := p.drainEvictedLocked()
	pc.session, pc.err = session, err
	close(pc.done)
	p.mu.Unlock()

	p.stopAll(evicted, "evicted")
	return session, err
}

// Get returns the pooled session for id without connecting. It marks the
// entry most recently used.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Get(id)
}

// Connecting reports whether a connection attempt for id is in flight.
func (p *Pool) Connecting(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

// Remove tears down and removes the session for id, waiting for teardown to
// finish or ctx to end. A connection attempt in flight for id is cancelled
// and its callers receive ErrSessionClosed. Removing an absent id is a no-op.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	var sup *Supervisor
	var evicted []*Supervisor
	if pc, ok := p.inflight[id]; ok {
		pc.removed = true
		sup = pc.sup
	} else if s, ok := p.lru.Peek(id); ok {
		sup = s.sup
		p.lru.Remove(id)
		evicted = p.drainEvictedLocked()
	}
	p.mu.Unlock()
	if sup == nil {
		return nil
	}

	if evicted == nil {
		evicted = []*Supervisor{sup}
	}
	p.stopAll(evicted, "removed")
	if err := sup.Wait(ctx); err != nil {
		return fmt.Errorf("mcpmgr: remove %q: %w", id, err)
	}
	return nil
}

// EvictIfOverCapacity evicts least recently used entries until the pool is
// within capacity and returns how many were evicted. Teardown proceeds in the
// background.
func (p *Pool) EvictIfOverCapacity() int {
	p.mu.Lock()
	n := 0
	for p.lru.Len() > p.opts.MaxSessions {
		if _, _, ok := p.lru.RemoveOldest(); !ok {
			break
		}
		n++
	}
	evicted := p.drainEvictedLocked()
	p.mu.Unlock()
	p.stopAll(evicted, "evicted")
	return n
}

// SetCapacity changes the maximum number of pooled sessions, evicting least
// recently used entries if the pool is now over capacity. Non-positive
// values are ignored. It returns the number of evicted entries.
func (p *Pool) SetCapacity(n int) int {
	if n <= 0 {
		return 0
	}
	p.mu.Lock()
	p.opts.MaxSessions = n
	count := p.lru.Resize(n)
	evicted := p.drainEvictedLocked()
	p.mu.Unlock()
	p.stopAll(evicted, "evicted")
	return count
}

// Capacity returns the configured maximum number of sessions.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.MaxSessions
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// SnapshotIDs returns the pooled server ids in lexical order.
func (p *Pool) SnapshotIDs() []string {
	p.mu.Lock()
	ids := p.lru.Keys()
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Entries describes pooled sessions from least to most recently used.
func (p *Pool) Entries() []PoolEntry {
	p.mu.Lock()
	values := p.lru.Values()
	p.mu.Unlock()
	out := make([]PoolEntry, 0, len(values))
	for _, s := range values {
		out = append(out, PoolEntry{
			ServerID:   s.ServerID,
			Generation: s.Generation,
			State:      s.sup.State(),
			CreatedAt:  s.createdAt,
		})
	}
	return out
}

// Shutdown stops every supervisor the pool started, including ones still
// connecting or already evicted, and joins them. When ctx carries no
// deadline, ShutdownTimeout applies. Supervisors that do not finish in time
// are logged and abandoned; their ids are reported in the returned error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.lru.Purge()
	p.evicted = nil
	live := make([]*Supervisor, 0, len(p.live))
	for sup := range p.live {
		live = append(live, sup)
	}
	p.mu.Unlock()

	p.stopAll(live, "shutdown")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ShutdownTimeout)
		defer cancel()
	}
	var abandoned []string
	for _, sup := range live {
		if err := sup.Wait(ctx); err != nil {
			p.logger.Warn("supervisor did not close before shutdown deadline", "server", sup.serverID, "generation", sup.generation)
			abandoned = append(abandoned, sup.serverID)
		}
	}
	if len(abandoned) > 0 {
		sort.Strings(abandoned)
		return fmt.Errorf("mcpmgr: shutdown abandoned %d supervisor(s) [%s]: %w", len(abandoned), strings.Join(abandoned, ", "), ctx.Err())
	}
	p.logger.Debug("pool shut down", "supervisors", len(live))
	return nil
}

func (p *Pool) spawnLocked(desc ResolvedDescriptor) *Supervisor {
	sup := newSupervisor(desc, supervisorConfig{
		client:         p.newClient(desc.ID),
		transports:     p.opts.Transports,
		connectTimeout: p.opts.ConnectTimeout,
		rpcLogger:      p.opts.RPCLogger,
		logger:         p.logger,
	})
	p.live[sup] = struct{}{}
	go func() {
		sup.run()
		p.mu.Lock()
		delete(p.live, sup)
		p.mu.Unlock()
	}()
	return sup
}

func (p *Pool) newClient(serverID string) *mcp.Client {
	name := p.opts.ClientName
	if name == "" {
		name = serverID
	}
	var opts mcp.ClientOptions
	if hook := p.opts.OnToolListChanged; hook != nil {
		opts.ToolListChangedHandler = func(context.Context, *mcp.ToolListChangedRequest) {
			hook(serverID)
		}
	}
	return mcp.NewClient(&mcp.Implementation{Name: name, Version: p.opts.ClientVersion}, &opts)
}

func (p *Pool) environment() Environment {
	if p.opts.Environment != nil {
		return p.opts.Environment
	}
	return EnvironmentFromOS()
}

func (p *Pool) drainEvictedLocked() []*Supervisor {
	out := p.evicted
	p.evicted = nil
	return out
}

func (p *Pool) stopAll(sups []*Supervisor, reason string) {
	for _, sup := range sups {
		p.logger.Debug("stopping session", "server", sup.serverID, "generation", sup.generation, "reason", reason)
		sup.Stop()
	}
}
