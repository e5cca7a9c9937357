package residue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IntegrityTask periodically sweeps the client registry and token store for
// expired entries (spec.md §4.9). It runs on its own goroutine, independent
// of the dispatch worker, so a slow sweep never delays log delivery.
type IntegrityTask struct {
	registry *ClientRegistry
	tokens   *TokenStore
	interval time.Duration
	logger   *slog.Logger

	lastExecution atomic.Int64 // unix nanos

	wg sync.WaitGroup
}

// NewIntegrityTask builds an integrity task with the given sweep interval.
func NewIntegrityTask(registry *ClientRegistry, tokens *TokenStore, interval time.Duration, logger *slog.Logger) *IntegrityTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityTask{registry: registry, tokens: tokens, interval: interval, logger: logger}
}

// LastExecution returns the time of the most recently completed sweep, or
// the zero time if none has run yet. The dispatcher's bulk path compares it
// with its last client validation to decide whether to re-force validation
// (see dispatchBulk). The client cache does not use it: it is invalidated
// by the registry's own generation counter (see cache.go).
func (t *IntegrityTask) LastExecution() time.Time {
	ns := t.lastExecution.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run blocks, sweeping at every tick until ctx is cancelled.
func (t *IntegrityTask) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.wg.Add(1)
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *IntegrityTask) sweep(now time.Time) {
	expiredClients := t.registry.Sweep(now)
	expiredTokens := t.tokens.SweepExpired(now)
	t.lastExecution.Store(now.UnixNano())
	if len(expiredClients) > 0 || expiredTokens > 0 {
		t.logger.Info("integrity sweep removed expired state",
			"expired_clients", len(expiredClients),
			"expired_tokens", expiredTokens,
			"swept_at", formatLogTimestamp(now.UnixNano()),
		)
	}
}

// Wait blocks until Run has returned after ctx was cancelled.
func (t *IntegrityTask) Wait() {
	t.wg.Wait()
}
