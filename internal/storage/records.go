package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Bid is a read-only projection of one placed bid. SessionID links back to
// the console session that placed it; the session may no longer exist.
type Bid struct {
	ID           int64     `json:"id"`
	ProjectID    string    `json:"project_id"`
	ProjectTitle string    `json:"project_title"`
	BidAmount    float64   `json:"bid_amount"`
	BidPeriod    int       `json:"bid_period"`
	BidContent   string    `json:"bid_content"`
	CurrencyCode string    `json:"currency_code"`
	Status       string    `json:"status"`
	BidDate      time.Time `json:"bid_date"`
	ProjectLink  string    `json:"project_link"`
	SessionID    string    `json:"session_id"`
}

// Terminal bid statuses. Pending bids stay in "placed" until the
// marketplace resolves them.
const (
	BidStatusPlaced    = "placed"
	BidStatusWon       = "won"
	BidStatusLost      = "lost"
	BidStatusWithdrawn = "withdrawn"
)

type Project struct {
	ID            int64     `json:"id"`
	ProjectID     string    `json:"project_id"`
	Title         string    `json:"project_title"`
	Description   string    `json:"project_description"`
	OwnerID       string    `json:"owner_id"`
	MinimumBudget float64   `json:"minimum_budget"`
	MaximumBudget float64   `json:"maximum_budget"`
	Currency      string    `json:"currency"`
	ProjectType   string    `json:"project_type"`
	SeoURL        string    `json:"seo_url"`
	Status        string    `json:"status"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
}

type LogEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	ProjectID string    `json:"project_id"`
}

// SessionActivity is one row of the analytics "recent sessions" view.
type SessionActivity struct {
	SessionID       string `json:"session_id"`
	LastBidDate     string `json:"last_bid_date"`
	TotalBidsPlaced int    `json:"total_bids_placed"`
}

// RecordStore reads bid, project, and log projections written by the
// workers. The console never mutates bids or projects; it only appends its
// own log lines.
type RecordStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRecordStore(db *sql.DB, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{db: db, logger: logger}
}

func (s *RecordStore) ListBids(ctx context.Context, limit int) ([]Bid, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, project_title, bid_amount, bid_period, bid_content,
		       currency_code, status, bid_date, project_link, session_id
		FROM bids
		ORDER BY bid_date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()

	var bids []Bid
	for rows.Next() {
		var (
			bid     Bid
			bidDate string
		)
		if err := rows.Scan(
			&bid.ID, &bid.ProjectID, &bid.ProjectTitle, &bid.BidAmount, &bid.BidPeriod,
			&bid.BidContent, &bid.CurrencyCode, &bid.Status, &bidDate, &bid.ProjectLink,
			&bid.SessionID,
		); err != nil {
			return nil, fmt.Errorf("scan bid row: %w", err)
		}
		bid.BidDate = parseTimestampLenient(bidDate, s.logger)
		bids = append(bids, bid)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bid rows: %w", err)
	}
	return bids, nil
}

func (s *RecordStore) ListProjects(ctx context.Context, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, project_title, project_description, owner_id,
		       minimum_budget, maximum_budget, currency, project_type, seo_url,
		       status, session_id, created_at
		FROM projects
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var (
			p         Project
			createdAt string
		)
		if err := rows.Scan(
			&p.ID, &p.ProjectID, &p.Title, &p.Description, &p.OwnerID,
			&p.MinimumBudget, &p.MaximumBudget, &p.Currency, &p.ProjectType,
			&p.SeoURL, &p.Status, &p.SessionID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		p.CreatedAt = parseTimestampLenient(createdAt, s.logger)
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project rows: %w", err)
	}
	return projects, nil
}

// ListLogs returns recent log lines, optionally scoped to one session.
func (s *RecordStore) ListLogs(ctx context.Context, sessionID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT id, session_id, timestamp, level, message, project_id
		FROM bot_logs
	`
	args := []interface{}{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			entry LogEntry
			ts    string
		)
		if err := rows.Scan(&entry.ID, &entry.SessionID, &ts, &entry.Level, &entry.Message, &entry.ProjectID); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		entry.Timestamp = parseTimestampLenient(ts, s.logger)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return entries, nil
}

// AppendLog writes one console-side activity line into bot_logs so the
// operator sees poll failures and command outcomes next to worker output.
func (s *RecordStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = "INFO"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_logs (session_id, timestamp, level, message, project_id)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.SessionID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Level,
		entry.Message,
		entry.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *RecordStore) CountProjects(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return count, nil
}

func (s *RecordStore) CountBids(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bids`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count bids: %w", err)
	}
	return count, nil
}

// SessionBidCount returns how many bids one session has placed in total,
// across worker restarts.
func (s *RecordStore) SessionBidCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bids WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count bids for session %s: %w", sessionID, err)
	}
	return count, nil
}

// BidStatusCounts returns bid counts keyed by status.
func (s *RecordStore) BidStatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM bids GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count bids by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan bid status row: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bid status rows: %w", err)
	}
	return counts, nil
}

// RecentSessionActivity summarizes which sessions placed bids most recently.
func (s *RecordStore) RecentSessionActivity(ctx context.Context, limit int) ([]SessionActivity, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, MAX(bid_date), COUNT(*)
		FROM bids
		WHERE session_id != ''
		GROUP BY session_id
		ORDER BY MAX(bid_date) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent session activity: %w", err)
	}
	defer rows.Close()

	var activity []SessionActivity
	for rows.Next() {
		var row SessionActivity
		if err := rows.Scan(&row.SessionID, &row.LastBidDate, &row.TotalBidsPlaced); err != nil {
			return nil, fmt.Errorf("scan session activity row: %w", err)
		}
		activity = append(activity, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session activity rows: %w", err)
	}
	return activity, nil
}

// ParseTimestamp parses the timestamp formats sqlite hands back depending on
// how a row was written.
func ParseTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func parseTimestampLenient(value string, logger *zap.Logger) time.Time {
	t, err := ParseTimestamp(value)
	if err != nil {
		logger.Warn("unparseable timestamp in record row", zap.String("value", value))
		return time.Time{}
	}
	return t
}
