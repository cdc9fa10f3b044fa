package mcpmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultBatchConcurrency = 5
	defaultBatchTimeout     = 30 * time.Second
)

// BatchOptions configures a BatchConnector.
type BatchOptions struct {
	// Concurrency bounds simultaneous connection attempts. Defaults to 5.
	Concurrency int
	// Timeout bounds each attempt, probe included. Defaults to 30s.
	Timeout time.Duration
	// KeepSessions leaves successful sessions pooled after probing. By
	// default each session is removed once its probe returns.
	KeepSessions bool
	// Logger receives structured diagnostics. Defaults to the pool's logger.
	Logger *slog.Logger
}

func (o *BatchOptions) withDefaults(pool *Pool) BatchOptions {
	if o == nil {
		o = &BatchOptions{}
	}
	opts := *o
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultBatchConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBatchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = pool.logger
	}
	return opts
}

// ProbeFunc inspects a freshly connected session, typically listing its
// tools. Its return value is carried in BatchSuccess.Value.
type ProbeFunc func(ctx context.Context, s *Session) (any, error)

// BatchSuccess is one descriptor that connected and probed cleanly.
type BatchSuccess struct {
	ID    string
	Value any
}

// BatchFailure is one descriptor whose connection or probe failed.
type BatchFailure struct {
	ID  string
	Err error
}

// BatchConnector connects many descriptors through a Pool with bounded
// concurrency. Attempts are isolated: one failure never cancels another.
type BatchConnector struct {
	pool   *Pool
	opts   BatchOptions
	logger *slog.Logger
}

// NewBatchConnector builds a connector over pool. The pool's capacity should
// be at least the batch concurrency so in-progress probes are not evicted.
func NewBatchConnector(pool *Pool, opts *BatchOptions) *BatchConnector {
	o := opts.withDefaults(pool)
	return &BatchConnector{pool: pool, opts: o, logger: o.Logger}
}

// ConnectAll attempts every descriptor whose ID is not in visited and returns
// successes and failures in completion order. A nil probe only connects.
func (b *BatchConnector) ConnectAll(ctx context.Context, descs []ServerDescriptor, visited map[string]bool, probe ProbeFunc) ([]BatchSuccess, []BatchFailure) {
	gate := semaphore.NewWeighted(int64(b.opts.Concurrency))
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		successes []BatchSuccess
		failures  []BatchFailure
	)
	for _, d := range descs {
		if visited[d.ID] {
			b.logger.Debug("skipping visited server", "server", d.ID)
			continue
		}
		if err := gate.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failures = append(failures, BatchFailure{ID: d.ID, Err: &ConnectError{ServerID: d.ID, Err: err}})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(d ServerDescriptor) {
			defer wg.Done()
			defer gate.Release(1)
			value, err := b.attempt(ctx, d, probe)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Warn("batch connect failed", "server", d.ID, "error", err)
				failures = append(failures, BatchFailure{ID: d.ID, Err: err})
				return
			}
			successes = append(successes, BatchSuccess{ID: d.ID, Value: value})
		}(d)
	}
	wg.Wait()
	return successes, failures
}

func (b *BatchConnector) attempt(ctx context.Context, d ServerDescriptor, probe ProbeFunc) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	session, err := b.pool.GetOrCreate(ctx, d.ID, d)
	if err != nil {
		return nil, err
	}
	if !b.opts.KeepSessions {
		defer func() {
			rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.Timeout)
			defer rmCancel()
			if err := b.pool.Remove(rmCtx, d.ID); err != nil {
				b.logger.Debug("batch teardown incomplete", "server", d.ID, "error", err)
			}
		}()
	}
	if probe == nil {
		return nil, nil
	}
	value, err := probe(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: probe %q: %w", d.ID, err)
	}
	return value, nil
}
