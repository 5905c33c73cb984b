package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bidwatch/bidwatch/internal/storage"
	"github.com/bidwatch/bidwatch/internal/worker"
)

// CommandKind distinguishes the two operator intents.
type CommandKind string

const (
	CommandStart CommandKind = "start"
	CommandStop  CommandKind = "stop"
)

// CommandDispatcher translates operator start/stop intent into worker calls
// and folds each immediate response into the status cache, so the operator
// sees the new state without waiting for the next poll tick.
type CommandDispatcher struct {
	sessions *SessionStore
	statuses *StatusCache
	poller   *StatusPoller
	worker   worker.Client
	records  *storage.RecordStore
	logger   *zap.Logger
	metrics  *Metrics
	notifier *Notifier

	timeout time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewCommandDispatcher(sessions *SessionStore, statuses *StatusCache, poller *StatusPoller, client worker.Client, records *storage.RecordStore, timeout time.Duration, logger *zap.Logger) *CommandDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &CommandDispatcher{
		sessions: sessions,
		statuses: statuses,
		poller:   poller,
		worker:   client,
		records:  records,
		logger:   logger,
		metrics:  GetMetrics(),
		timeout:  timeout,
		inflight: make(map[string]struct{}),
	}
}

// SetNotifier attaches the operator alert channel.
func (d *CommandDispatcher) SetNotifier(n *Notifier) {
	d.notifier = n
}

// Start launches a session's worker. A second Start while one is in flight,
// or a Start on a session already running, fails with ErrConflict and sends
// nothing to the worker.
func (d *CommandDispatcher) Start(ctx context.Context, sessionID string) (RuntimeStatus, error) {
	session, err := d.sessions.Get(sessionID)
	if err != nil {
		return RuntimeStatus{}, err
	}

	release, err := d.acquire(sessionID, CommandStart)
	if err != nil {
		return RuntimeStatus{}, err
	}
	defer release()

	if d.statuses.IsRunning(sessionID) {
		return RuntimeStatus{}, fmt.Errorf("%w: session %s is already running", ErrConflict, sessionID)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	began := time.Now()
	status, err := d.worker.Start(cmdCtx, sessionID, session.BidLimit)
	d.metrics.RecordCommandDuration(string(CommandStart), time.Since(began).Seconds())
	if err != nil {
		d.metrics.RecordCommand(string(CommandStart), "failure")
		d.logCommand(sessionID, "ERROR", fmt.Sprintf("start command failed: %v", err))
		d.notify(fmt.Sprintf("start failed for session %q: %v", session.Name, err))
		return RuntimeStatus{}, err
	}

	entry := d.statuses.ApplyStatus(sessionID, status)
	d.poller.Watch(sessionID)

	d.metrics.RecordCommand(string(CommandStart), "success")
	d.metrics.SetRunningSessions(int64(d.statuses.RunningCount()))
	d.logCommand(sessionID, "INFO", "worker started")
	d.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.Int("bid_limit", session.BidLimit),
	)
	return entry, nil
}

// Stop is symmetric to Start: a no-op guard when the session is already
// stopped, one worker call, one immediate cache merge. Polling stays
// attached so the stopped state keeps refreshing.
func (d *CommandDispatcher) Stop(ctx context.Context, sessionID string) (RuntimeStatus, error) {
	session, err := d.sessions.Get(sessionID)
	if err != nil {
		return RuntimeStatus{}, err
	}

	release, err := d.acquire(sessionID, CommandStop)
	if err != nil {
		return RuntimeStatus{}, err
	}
	defer release()

	if !d.statuses.IsRunning(sessionID) {
		return RuntimeStatus{}, fmt.Errorf("%w: session %s is not running", ErrConflict, sessionID)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	began := time.Now()
	status, err := d.worker.Stop(cmdCtx, sessionID)
	d.metrics.RecordCommandDuration(string(CommandStop), time.Since(began).Seconds())
	if err != nil {
		d.metrics.RecordCommand(string(CommandStop), "failure")
		d.logCommand(sessionID, "ERROR", fmt.Sprintf("stop command failed: %v", err))
		d.notify(fmt.Sprintf("stop failed for session %q: %v", session.Name, err))
		return RuntimeStatus{}, err
	}

	entry := d.statuses.ApplyStatus(sessionID, status)

	d.metrics.RecordCommand(string(CommandStop), "success")
	d.metrics.SetRunningSessions(int64(d.statuses.RunningCount()))
	d.logCommand(sessionID, "INFO", "worker stopped")
	d.logger.Info("session stopped", zap.String("session_id", sessionID))
	return entry, nil
}

// Refresh performs one immediate fetch outside the poll schedule, for the
// operator's refresh button.
func (d *CommandDispatcher) Refresh(ctx context.Context, sessionID string) (RuntimeStatus, error) {
	if _, err := d.sessions.Get(sessionID); err != nil {
		return RuntimeStatus{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	status, err := d.worker.GetStatus(fetchCtx, sessionID)
	if err != nil {
		return d.statuses.ApplyError(sessionID, err), err
	}
	return d.statuses.ApplyStatus(sessionID, status), nil
}

// acquire takes the per (session, command-kind) in-flight slot. The second
// of two concurrent identical commands fails instead of double-dispatching.
func (d *CommandDispatcher) acquire(sessionID string, kind CommandKind) (func(), error) {
	key := sessionID + ":" + string(kind)

	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()

	if _, ok := d.inflight[key]; ok {
		return nil, fmt.Errorf("%w: %s command already in flight for session %s", ErrConflict, kind, sessionID)
	}
	d.inflight[key] = struct{}{}

	return func() {
		d.inflightMu.Lock()
		delete(d.inflight, key)
		d.inflightMu.Unlock()
	}, nil
}

func (d *CommandDispatcher) logCommand(sessionID, level, message string) {
	if d.records == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.records.AppendLog(ctx, storage.LogEntry{
		SessionID: sessionID,
		Level:     level,
		Message:   message,
	}); err != nil {
		d.logger.Warn("failed to record command log", zap.Error(err))
	}
}

func (d *CommandDispatcher) notify(message string) {
	if d.notifier != nil {
		d.notifier.Alert(message)
	}
}
