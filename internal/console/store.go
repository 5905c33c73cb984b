package console

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bidwatch/bidwatch/internal/storage"
)

// Policy maxima for numeric session fields.
const (
	MaxBidLimit           = 1000
	MaxProjectSearchLimit = 100
	MaxMinWaitTime        = 3600
	MaxRetryCount         = 10
	MaxRetryWait          = 300
)

// Defaults applied when a field is left zero on create.
const (
	DefaultBidLimit           = 75
	DefaultProjectSearchLimit = 10
	DefaultMinWaitTime        = 32
	DefaultRetryCount         = 3
	DefaultRetryWait          = 5
)

// Session is a configured bidding-bot instance. The id is assigned at
// creation and never reused. Credential fields are write-only through the
// API surface and therefore excluded from JSON.
type Session struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	OAuthToken         string    `json:"-"`
	AIAPIKey           string    `json:"-"`
	ServiceOfferings   string    `json:"service_offerings"`
	BidWritingStyle    string    `json:"bid_writing_style"`
	PortfolioLinks     string    `json:"portfolio_links"`
	Signature          string    `json:"signature"`
	BidLimit           int       `json:"bid_limit"`
	ProjectSearchLimit int       `json:"project_search_limit"`
	MinWaitTime        int       `json:"min_wait_time"`
	RetryCount         int       `json:"retry_count"`
	RetryWait          int       `json:"retry_wait"`
	SkillIDs           []int     `json:"skill_ids"`
	LanguageCodes      []string  `json:"language_codes"`
	RejectedCurrencies []string  `json:"rejected_currencies"`
	RejectedCountries  []string  `json:"rejected_countries"`
	CreatedAt          time.Time `json:"created_at"`
}

// SessionConfig is the operator-supplied record for create and update.
// List-valued fields arrive as comma-separated text, the way the
// configuration form submits them.
type SessionConfig struct {
	Name               string `json:"name"`
	OAuthToken         string `json:"oauth_token"`
	AIAPIKey           string `json:"ai_api_key"`
	ServiceOfferings   string `json:"service_offerings"`
	BidWritingStyle    string `json:"bid_writing_style"`
	PortfolioLinks     string `json:"portfolio_links"`
	Signature          string `json:"signature"`
	BidLimit           int    `json:"bid_limit"`
	ProjectSearchLimit int    `json:"project_search_limit"`
	MinWaitTime        int    `json:"min_wait_time"`
	RetryCount         int    `json:"retry_count"`
	RetryWait          int    `json:"retry_wait"`
	SkillIDs           string `json:"skill_ids"`
	LanguageCodes      string `json:"language_codes"`
	RejectedCurrencies string `json:"rejected_currencies"`
	RejectedCountries  string `json:"rejected_countries"`
}

// SessionStore is the source of truth for desired session configuration.
// It keeps an in-memory map backed by the sessions table; mutations are
// serialized under a single write lock so an update and a delete racing on
// the same id resolve deterministically.
type SessionStore struct {
	db     *sql.DB
	logger *zap.Logger

	statuses *StatusCache
	poller   interface{ Forget(sessionID string) }

	mu       sync.RWMutex
	sessions map[string]Session
}

func NewSessionStore(db *sql.DB, statuses *StatusCache, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		db:       db,
		logger:   logger,
		statuses: statuses,
		sessions: make(map[string]Session),
	}
}

// SetPoller wires the poller teardown hook used when a session is deleted.
func (s *SessionStore) SetPoller(poller interface{ Forget(sessionID string) }) {
	s.poller = poller
}

// Create validates and normalizes cfg, assigns a fresh id, and persists the
// session.
func (s *SessionStore) Create(cfg SessionConfig) (Session, error) {
	session, err := buildSession(cfg, Session{})
	if err != nil {
		return Session{}, err
	}

	session.ID = uuid.NewString()
	session.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.upsertSession(session); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s.sessions[session.ID] = session

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("name", session.Name),
	)
	return session, nil
}

// Update replaces the full session record. Empty credential fields keep the
// stored values so the operator never has to re-enter secrets on edit.
func (s *SessionStore) Update(id string, cfg SessionConfig) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	session, err := buildSession(cfg, existing)
	if err != nil {
		return Session{}, err
	}
	session.ID = existing.ID
	session.CreatedAt = existing.CreatedAt

	if err := s.upsertSession(session); err != nil {
		return Session{}, fmt.Errorf("update session %s: %w", id, err)
	}
	s.sessions[id] = session

	return session, nil
}

// Delete removes a session. It is rejected while the session's cached
// runtime status is running; the operator must stop the worker first so a
// live worker is never orphaned without a controlling record.
func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}

	if s.statuses != nil && s.statuses.IsRunning(id) {
		return fmt.Errorf("%w: session %s has a running worker, stop it first", ErrConflict, id)
	}

	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	delete(s.sessions, id)

	if s.poller != nil {
		s.poller.Forget(id)
	} else if s.statuses != nil {
		s.statuses.Remove(id)
	}

	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

func (s *SessionStore) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionStore) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DisplayName resolves a session id to its configured name for record
// joins. The second return is false for ids that no longer exist.
func (s *SessionStore) DisplayName(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	return session.Name, true
}

// LoadFromDB replaces the in-memory set with the persisted sessions.
// Runtime status is not restored; workers are re-observed by polling.
func (s *SessionStore) LoadFromDB() error {
	rows, err := s.db.Query(`
		SELECT id, name, oauth_token, ai_api_key, service_offerings, bid_writing_style,
		       portfolio_links, signature, bid_limit, project_search_limit, min_wait_time,
		       retry_count, retry_wait, skill_ids, language_codes, rejected_currencies,
		       rejected_countries, created_at
		FROM sessions
	`)
	if err != nil {
		return fmt.Errorf("load sessions: query rows: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]Session)
	for rows.Next() {
		session, rowErr := scanSessionRow(rows)
		if rowErr != nil {
			s.logger.Warn("load sessions: corrupted row", zap.Error(rowErr))
			continue
		}
		sessions[session.ID] = session
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("load sessions: iterate rows: %w", err)
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	return nil
}

func buildSession(cfg SessionConfig, existing Session) (Session, error) {
	session := Session{
		Name:               strings.TrimSpace(cfg.Name),
		OAuthToken:         cfg.OAuthToken,
		AIAPIKey:           cfg.AIAPIKey,
		ServiceOfferings:   cfg.ServiceOfferings,
		BidWritingStyle:    cfg.BidWritingStyle,
		PortfolioLinks:     cfg.PortfolioLinks,
		Signature:          cfg.Signature,
		BidLimit:           cfg.BidLimit,
		ProjectSearchLimit: cfg.ProjectSearchLimit,
		MinWaitTime:        cfg.MinWaitTime,
		RetryCount:         cfg.RetryCount,
		RetryWait:          cfg.RetryWait,
		SkillIDs:           parseIntList(cfg.SkillIDs),
		LanguageCodes:      parseStringList(cfg.LanguageCodes),
		RejectedCurrencies: parseStringList(cfg.RejectedCurrencies),
		RejectedCountries:  parseStringList(cfg.RejectedCountries),
	}

	if session.OAuthToken == "" {
		session.OAuthToken = existing.OAuthToken
	}
	if session.AIAPIKey == "" {
		session.AIAPIKey = existing.AIAPIKey
	}

	if session.BidLimit == 0 {
		session.BidLimit = DefaultBidLimit
	}
	if session.ProjectSearchLimit == 0 {
		session.ProjectSearchLimit = DefaultProjectSearchLimit
	}
	if session.MinWaitTime == 0 {
		session.MinWaitTime = DefaultMinWaitTime
	}
	if session.RetryCount == 0 {
		session.RetryCount = DefaultRetryCount
	}
	if session.RetryWait == 0 {
		session.RetryWait = DefaultRetryWait
	}
	if len(session.LanguageCodes) == 0 {
		session.LanguageCodes = []string{"en"}
	}

	if err := validateSession(session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func validateSession(session Session) error {
	if session.Name == "" {
		return invalidField("name", "must not be empty")
	}
	if session.OAuthToken == "" {
		return invalidField("oauth_token", "must not be empty")
	}
	if session.AIAPIKey == "" {
		return invalidField("ai_api_key", "must not be empty")
	}
	if session.BidLimit < 1 || session.BidLimit > MaxBidLimit {
		return invalidField("bid_limit", "must be between 1 and %d, got %d", MaxBidLimit, session.BidLimit)
	}
	if session.ProjectSearchLimit < 1 || session.ProjectSearchLimit > MaxProjectSearchLimit {
		return invalidField("project_search_limit", "must be between 1 and %d, got %d", MaxProjectSearchLimit, session.ProjectSearchLimit)
	}
	if session.MinWaitTime < 1 || session.MinWaitTime > MaxMinWaitTime {
		return invalidField("min_wait_time", "must be between 1 and %d, got %d", MaxMinWaitTime, session.MinWaitTime)
	}
	if session.RetryCount < 0 || session.RetryCount > MaxRetryCount {
		return invalidField("retry_count", "must be between 0 and %d, got %d", MaxRetryCount, session.RetryCount)
	}
	if session.RetryWait < 0 || session.RetryWait > MaxRetryWait {
		return invalidField("retry_wait", "must be between 0 and %d, got %d", MaxRetryWait, session.RetryWait)
	}
	return nil
}

// parseStringList splits comma-separated text into a trimmed, deduplicated
// list preserving first-seen order. Empty tokens are dropped.
func parseStringList(text string) []string {
	if text == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, token := range strings.Split(text, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

// parseIntList parses comma-separated integers, silently discarding tokens
// that do not parse instead of failing the whole operation.
func parseIntList(text string) []int {
	if text == "" {
		return nil
	}

	seen := make(map[int]struct{})
	var out []int
	for _, token := range strings.Split(text, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		n, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func joinIntList(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

func (s *SessionStore) upsertSession(session Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (
			id, name, oauth_token, ai_api_key, service_offerings, bid_writing_style,
			portfolio_links, signature, bid_limit, project_search_limit, min_wait_time,
			retry_count, retry_wait, skill_ids, language_codes, rejected_currencies,
			rejected_countries, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			oauth_token = excluded.oauth_token,
			ai_api_key = excluded.ai_api_key,
			service_offerings = excluded.service_offerings,
			bid_writing_style = excluded.bid_writing_style,
			portfolio_links = excluded.portfolio_links,
			signature = excluded.signature,
			bid_limit = excluded.bid_limit,
			project_search_limit = excluded.project_search_limit,
			min_wait_time = excluded.min_wait_time,
			retry_count = excluded.retry_count,
			retry_wait = excluded.retry_wait,
			skill_ids = excluded.skill_ids,
			language_codes = excluded.language_codes,
			rejected_currencies = excluded.rejected_currencies,
			rejected_countries = excluded.rejected_countries
	`,
		session.ID,
		session.Name,
		session.OAuthToken,
		session.AIAPIKey,
		session.ServiceOfferings,
		session.BidWritingStyle,
		session.PortfolioLinks,
		session.Signature,
		session.BidLimit,
		session.ProjectSearchLimit,
		session.MinWaitTime,
		session.RetryCount,
		session.RetryWait,
		joinIntList(session.SkillIDs),
		strings.Join(session.LanguageCodes, ","),
		strings.Join(session.RejectedCurrencies, ","),
		strings.Join(session.RejectedCountries, ","),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return nil
}

func scanSessionRow(rows *sql.Rows) (Session, error) {
	var (
		session                          Session
		skillIDs, languages              string
		currencies, countries, createdAt string
	)

	if err := rows.Scan(
		&session.ID, &session.Name, &session.OAuthToken, &session.AIAPIKey,
		&session.ServiceOfferings, &session.BidWritingStyle, &session.PortfolioLinks,
		&session.Signature, &session.BidLimit, &session.ProjectSearchLimit,
		&session.MinWaitTime, &session.RetryCount, &session.RetryWait,
		&skillIDs, &languages, &currencies, &countries, &createdAt,
	); err != nil {
		return Session{}, fmt.Errorf("scan session row: %w", err)
	}

	session.SkillIDs = parseIntList(skillIDs)
	session.LanguageCodes = parseStringList(languages)
	session.RejectedCurrencies = parseStringList(currencies)
	session.RejectedCountries = parseStringList(countries)

	parsed, err := storage.ParseTimestamp(createdAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse created_at for session %s: %w", session.ID, err)
	}
	session.CreatedAt = parsed

	return session, nil
}
