package console

import (
	"sync"
	"time"

	"github.com/bidwatch/bidwatch/internal/worker"
)

// RuntimeStatus is the latest observed live state of one session's worker.
// It is a cache of the most recent successful read: a failed poll keeps the
// previous values and only sets LastError, so the display degrades to
// "stale" rather than blanking out.
type RuntimeStatus struct {
	SessionID         string    `json:"session_id"`
	IsRunning         bool      `json:"is_running"`
	BidCounter        int       `json:"bid_counter"`
	ProcessedProjects int       `json:"processed_projects"`
	LastFetch         time.Time `json:"last_successful_fetch"`
	LastError         string    `json:"last_error,omitempty"`
}

// Stale reports whether the most recent fetch for this entry failed.
func (s RuntimeStatus) Stale() bool {
	return s.LastError != ""
}

// StatusCache holds RuntimeStatus keyed by session id. Each entry has a
// single writer (that session's poller or command handler); readers get
// copies and never mutate.
type StatusCache struct {
	mu       sync.RWMutex
	statuses map[string]RuntimeStatus

	publisher StatusPublisher
}

// StatusPublisher receives every status change, typically to fan it out to
// connected dashboard clients.
type StatusPublisher interface {
	PublishStatus(status RuntimeStatus)
}

func NewStatusCache() *StatusCache {
	return &StatusCache{statuses: make(map[string]RuntimeStatus)}
}

// SetPublisher attaches a change listener. Must be called before polling
// starts.
func (c *StatusCache) SetPublisher(p StatusPublisher) {
	c.publisher = p
}

// ApplyStatus replaces the cached entry with a fresh worker read and clears
// any previous error.
func (c *StatusCache) ApplyStatus(sessionID string, st worker.Status) RuntimeStatus {
	entry := RuntimeStatus{
		SessionID:         sessionID,
		IsRunning:         st.IsRunning,
		BidCounter:        st.BidCounter,
		ProcessedProjects: st.ProcessedProjects,
		LastFetch:         time.Now().UTC(),
	}

	c.mu.Lock()
	c.statuses[sessionID] = entry
	c.mu.Unlock()

	if c.publisher != nil {
		c.publisher.PublishStatus(entry)
	}
	return entry
}

// ApplyError records a failed fetch. Previously observed values survive;
// only the error indicator changes.
func (c *StatusCache) ApplyError(sessionID string, err error) RuntimeStatus {
	c.mu.Lock()
	entry, ok := c.statuses[sessionID]
	if !ok {
		entry = RuntimeStatus{SessionID: sessionID}
	}
	entry.LastError = err.Error()
	c.statuses[sessionID] = entry
	c.mu.Unlock()

	if c.publisher != nil {
		c.publisher.PublishStatus(entry)
	}
	return entry
}

// Get returns the cached entry for a session. The boolean is false when the
// session has never been polled.
func (c *StatusCache) Get(sessionID string) (RuntimeStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.statuses[sessionID]
	return entry, ok
}

// IsRunning reports the cached running flag; unknown sessions are not
// running.
func (c *StatusCache) IsRunning(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.statuses[sessionID].IsRunning
}

// Snapshot returns a copy of every cached entry.
func (c *StatusCache) Snapshot() map[string]RuntimeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]RuntimeStatus, len(c.statuses))
	for id, entry := range c.statuses {
		out[id] = entry
	}
	return out
}

// RunningCount returns how many cached entries report a running worker.
func (c *StatusCache) RunningCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, entry := range c.statuses {
		if entry.IsRunning {
			count++
		}
	}
	return count
}

// Remove drops a session's entry. Called when the session is deleted.
func (c *StatusCache) Remove(sessionID string) {
	c.mu.Lock()
	delete(c.statuses, sessionID)
	c.mu.Unlock()
}
