package console

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bidwatch/bidwatch/internal/storage"
	"github.com/bidwatch/bidwatch/internal/worker"
)

// StatusPoller keeps the RuntimeStatus cache fresh with one independent
// timer per watched session. A failing session never touches another
// session's schedule; its cache entry just carries the error until a fetch
// succeeds again.
type StatusPoller struct {
	worker   worker.Client
	statuses *StatusCache
	records  *storage.RecordStore
	logger   *zap.Logger
	metrics  *Metrics

	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	closed  bool
	watched map[string]*sessionWatch
}

type sessionWatch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStatusPoller(client worker.Client, statuses *StatusCache, records *storage.RecordStore, interval, timeout time.Duration, logger *zap.Logger) *StatusPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 || timeout >= interval {
		timeout = interval
	}

	return &StatusPoller{
		worker:   client,
		statuses: statuses,
		records:  records,
		logger:   logger,
		metrics:  GetMetrics(),
		interval: interval,
		timeout:  timeout,
		watched:  make(map[string]*sessionWatch),
	}
}

// Watch starts the repeating fetch for a session. Watching an already
// watched session is a no-op, so duplicate subscriptions never produce
// duplicate concurrent fetches.
func (p *StatusPoller) Watch(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if _, ok := p.watched[sessionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	watch := &sessionWatch{cancel: cancel, done: make(chan struct{})}
	p.watched[sessionID] = watch
	p.metrics.SetWatchedSessions(int64(len(p.watched)))

	go p.run(ctx, sessionID, watch.done)

	p.logger.Debug("session watch started", zap.String("session_id", sessionID))
}

// Unwatch cancels a session's timer and waits for its loop to exit, so no
// fetch that was in flight at teardown can mutate state afterwards. The
// last cached status stays in place; stopping the watch does not mean the
// worker stopped.
func (p *StatusPoller) Unwatch(sessionID string) {
	p.mu.Lock()
	watch, ok := p.watched[sessionID]
	if ok {
		delete(p.watched, sessionID)
		p.metrics.SetWatchedSessions(int64(len(p.watched)))
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	watch.cancel()
	<-watch.done

	p.logger.Debug("session watch stopped", zap.String("session_id", sessionID))
}

// Forget tears down a deleted session: the watch is cancelled and the
// cached status entry removed, in that order.
func (p *StatusPoller) Forget(sessionID string) {
	p.Unwatch(sessionID)
	p.statuses.Remove(sessionID)
}

// Watching reports whether a session currently has an active timer.
func (p *StatusPoller) Watching(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.watched[sessionID]
	return ok
}

// Close stops every watch and waits for all loops to drain.
func (p *StatusPoller) Close() {
	p.mu.Lock()
	p.closed = true
	watches := make([]*sessionWatch, 0, len(p.watched))
	for id, watch := range p.watched {
		watches = append(watches, watch)
		delete(p.watched, id)
	}
	p.metrics.SetWatchedSessions(0)
	p.mu.Unlock()

	for _, watch := range watches {
		watch.cancel()
		<-watch.done
	}
}

// run is the per-session loop. Ticks for one session are serialized: the
// next fetch cannot start until the previous one returned.
func (p *StatusPoller) run(ctx context.Context, sessionID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Prime the cache immediately instead of waiting a full interval.
	p.poll(ctx, sessionID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, sessionID)
		}
	}
}

func (p *StatusPoller) poll(ctx context.Context, sessionID string) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	status, err := p.worker.GetStatus(fetchCtx, sessionID)
	cancel()

	// A fetch completing after Unwatch is discarded wholesale.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		p.statuses.ApplyError(sessionID, err)
		p.metrics.RecordPoll(pollResultFailure)
		p.logger.Warn("status poll failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		p.recordFailureLog(sessionID, err)
		return
	}

	p.statuses.ApplyStatus(sessionID, status)
	p.metrics.RecordPoll(pollResultSuccess)
	p.metrics.SetRunningSessions(int64(p.statuses.RunningCount()))
}

// recordFailureLog appends the failure to bot_logs so the Logs view shows
// console-side poll errors alongside worker output.
func (p *StatusPoller) recordFailureLog(sessionID string, pollErr error) {
	if p.records == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry := storage.LogEntry{
		SessionID: sessionID,
		Level:     "ERROR",
		Message:   "status poll failed: " + pollErr.Error(),
	}
	if err := p.records.AppendLog(ctx, entry); err != nil {
		p.logger.Warn("failed to record poll failure", zap.Error(err))
	}
}
