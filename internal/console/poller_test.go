package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bidwatch/bidwatch/internal/storage"
	"github.com/bidwatch/bidwatch/internal/worker"
)

// fakeWorkerClient scripts worker responses per call and counts dispatches.
type fakeWorkerClient struct {
	mu       sync.Mutex
	statusFn func(ctx context.Context, sessionID string) (worker.Status, error)
	startFn  func(ctx context.Context, sessionID string, bidLimit int) (worker.Status, error)
	stopFn   func(ctx context.Context, sessionID string) (worker.Status, error)

	statusCalls int
	startCalls  int
	stopCalls   int
}

func (f *fakeWorkerClient) GetStatus(ctx context.Context, sessionID string) (worker.Status, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID)
	}
	return workerStatus(sessionID, false, 0, 0), nil
}

func (f *fakeWorkerClient) Start(ctx context.Context, sessionID string, bidLimit int) (worker.Status, error) {
	f.mu.Lock()
	f.startCalls++
	fn := f.startFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID, bidLimit)
	}
	return workerStatus(sessionID, true, 0, 0), nil
}

func (f *fakeWorkerClient) Stop(ctx context.Context, sessionID string) (worker.Status, error) {
	f.mu.Lock()
	f.stopCalls++
	fn := f.stopFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID)
	}
	return workerStatus(sessionID, false, 0, 0), nil
}

func (f *fakeWorkerClient) counts() (status, start, stop int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.startCalls, f.stopCalls
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStatusPollerPrimesCacheImmediately(t *testing.T) {
	client := &fakeWorkerClient{
		statusFn: func(ctx context.Context, sessionID string) (worker.Status, error) {
			return workerStatus(sessionID, true, 5, 12), nil
		},
	}
	statuses := NewStatusCache()
	poller := NewStatusPoller(client, statuses, nil, time.Second, 500*time.Millisecond, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-1")

	eventually(t, time.Second, func() bool {
		entry, ok := statuses.Get("sess-1")
		return ok && entry.BidCounter == 5
	}, "expected the first fetch before the first tick")
}

func TestStatusPollerWatchIsIdempotent(t *testing.T) {
	client := &fakeWorkerClient{}
	statuses := NewStatusCache()
	poller := NewStatusPoller(client, statuses, nil, time.Second, 500*time.Millisecond, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-1")
	poller.Watch("sess-1")

	if !poller.Watching("sess-1") {
		t.Fatal("expected session to be watched")
	}

	// A single Unwatch fully detaches, proving the second Watch did not
	// stack a second timer.
	poller.Unwatch("sess-1")
	if poller.Watching("sess-1") {
		t.Fatal("expected session unwatched after one Unwatch")
	}
}

func TestStatusPollerFailureIsolation(t *testing.T) {
	client := &fakeWorkerClient{
		statusFn: func(ctx context.Context, sessionID string) (worker.Status, error) {
			if sessionID == "sess-bad" {
				return worker.Status{}, errors.New("connection refused")
			}
			return workerStatus(sessionID, true, 3, 9), nil
		},
	}
	statuses := NewStatusCache()
	poller := NewStatusPoller(client, statuses, nil, 20*time.Millisecond, 10*time.Millisecond, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-ok")
	poller.Watch("sess-bad")

	eventually(t, time.Second, func() bool {
		good, okGood := statuses.Get("sess-ok")
		bad, okBad := statuses.Get("sess-bad")
		return okGood && !good.Stale() && good.BidCounter == 3 &&
			okBad && bad.Stale()
	}, "expected a healthy entry for sess-ok and a stale one for sess-bad")
}

func TestStatusPollerFailureRetainsLastValues(t *testing.T) {
	client := &fakeWorkerClient{
		statusFn: func(ctx context.Context, sessionID string) (worker.Status, error) {
			return worker.Status{}, errors.New("timeout")
		},
	}
	statuses := NewStatusCache()
	statuses.ApplyStatus("sess-1", workerStatus("sess-1", true, 42, 80))

	poller := NewStatusPoller(client, statuses, nil, 20*time.Millisecond, 10*time.Millisecond, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-1")

	eventually(t, time.Second, func() bool {
		entry, ok := statuses.Get("sess-1")
		return ok && entry.Stale()
	}, "expected the entry to turn stale")

	entry, _ := statuses.Get("sess-1")
	if entry.BidCounter != 42 || entry.ProcessedProjects != 80 || !entry.IsRunning {
		t.Errorf("expected retained values on failure, got %+v", entry)
	}
}

func TestStatusPollerRecordsFailureLog(t *testing.T) {
	db := setupConsoleTestDB(t)
	records := storage.NewRecordStore(db, zap.NewNop())

	client := &fakeWorkerClient{
		statusFn: func(ctx context.Context, sessionID string) (worker.Status, error) {
			return worker.Status{}, errors.New("connection refused")
		},
	}
	statuses := NewStatusCache()
	poller := NewStatusPoller(client, statuses, records, 20*time.Millisecond, 10*time.Millisecond, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-1")

	eventually(t, time.Second, func() bool {
		logs, err := records.ListLogs(context.Background(), "sess-1", 10)
		return err == nil && len(logs) > 0 && logs[0].Level == "ERROR"
	}, "expected a poll failure to land in the log store")
}

func TestStatusPollerUnwatchKeepsCache(t *testing.T) {
	client := &fakeWorkerClient{
		statusFn: func(ctx context.Context, sessionID string) (worker.Status, error) {
			return workerStatus(sessionID, true, 1, 1), nil
		},
	}
	statuses := NewStatusCache()
	poller := NewStatusPoller(client, statuses, nil, time.Second, 500*time.Millisecond, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-1")
	eventually(t, time.Second, func() bool {
		_, ok := statuses.Get("sess-1")
		return ok
	}, "expected a cached entry before unwatch")

	poller.Unwatch("sess-1")

	if _, ok := statuses.Get("sess-1"); !ok {
		t.Error("expected the cached status to survive Unwatch")
	}
}

func TestStatusPollerForgetRemovesCache(t *testing.T) {
	client := &fakeWorkerClient{}
	statuses := NewStatusCache()
	statuses.ApplyStatus("sess-1", workerStatus("sess-1", false, 1, 1))

	poller := NewStatusPoller(client, statuses, nil, time.Second, 500*time.Millisecond, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-1")
	poller.Forget("sess-1")

	if poller.Watching("sess-1") {
		t.Error("expected watch removed")
	}
	if _, ok := statuses.Get("sess-1"); ok {
		t.Error("expected cached status removed by Forget")
	}
}

func TestStatusPollerNoWriteAfterUnwatch(t *testing.T) {
	// GetStatus blocks until the watch context is cancelled, then returns a
	// successful read. The poller must discard it.
	client := &fakeWorkerClient{
		statusFn: func(ctx context.Context, sessionID string) (worker.Status, error) {
			<-ctx.Done()
			return workerStatus(sessionID, true, 99, 99), nil
		},
	}
	statuses := NewStatusCache()
	poller := NewStatusPoller(client, statuses, nil, 10*time.Second, 5*time.Second, zap.NewNop())
	defer poller.Close()

	poller.Watch("sess-1")
	eventually(t, time.Second, func() bool {
		status, _, _ := client.counts()
		return status > 0
	}, "expected the prime fetch to be in flight")

	poller.Unwatch("sess-1")

	if entry, ok := statuses.Get("sess-1"); ok && entry.BidCounter == 99 {
		t.Errorf("in-flight result applied after teardown: %+v", entry)
	}
}

func TestStatusPollerCloseStopsEverything(t *testing.T) {
	client := &fakeWorkerClient{}
	statuses := NewStatusCache()
	poller := NewStatusPoller(client, statuses, nil, time.Second, 500*time.Millisecond, zap.NewNop())

	poller.Watch("sess-1")
	poller.Watch("sess-2")
	poller.Close()

	if poller.Watching("sess-1") || poller.Watching("sess-2") {
		t.Error("expected all watches removed after Close")
	}

	poller.Watch("sess-3")
	if poller.Watching("sess-3") {
		t.Error("expected Watch after Close to be a no-op")
	}
}
