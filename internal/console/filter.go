package console

import (
	"strings"

	"github.com/bidwatch/bidwatch/internal/storage"
)

// UnknownSessionName labels records whose session id no longer resolves.
// Such records must still render; they never error out of a list.
const UnknownSessionName = "Unknown Session"

// FilterAll is the wildcard value for categorical filters.
const FilterAll = "all"

// BidFilter narrows a bid list. All set predicates combine with AND; text
// search is a case-insensitive substring match over project id and title.
type BidFilter struct {
	Search    string
	Status    string
	SessionID string
}

// ProjectFilter narrows a project list.
type ProjectFilter struct {
	Search      string
	Status      string
	ProjectType string
}

// LogFilter narrows a log list.
type LogFilter struct {
	Search    string
	Level     string
	SessionID string
}

// BidView is a bid joined with its session's display name.
type BidView struct {
	storage.Bid
	SessionName string `json:"session_name"`
}

type LogView struct {
	storage.LogEntry
	SessionName string `json:"session_name"`
}

// NameResolver maps a session id to its display name. The boolean is false
// when the id is unknown.
type NameResolver interface {
	DisplayName(id string) (string, bool)
}

// ListFilterEngine applies composable predicates over record lists and
// resolves session display names for presentation.
type ListFilterEngine struct {
	names NameResolver
}

func NewListFilterEngine(names NameResolver) *ListFilterEngine {
	return &ListFilterEngine{names: names}
}

func (e *ListFilterEngine) FilterBids(bids []storage.Bid, filter BidFilter) []BidView {
	out := make([]BidView, 0, len(bids))
	for _, bid := range bids {
		if !matchesText(filter.Search, bid.ProjectID, bid.ProjectTitle) {
			continue
		}
		if !matchesCategory(filter.Status, bid.Status) {
			continue
		}
		if !matchesCategory(filter.SessionID, bid.SessionID) {
			continue
		}
		out = append(out, BidView{Bid: bid, SessionName: e.resolveName(bid.SessionID)})
	}
	return out
}

func (e *ListFilterEngine) FilterProjects(projects []storage.Project, filter ProjectFilter) []storage.Project {
	out := make([]storage.Project, 0, len(projects))
	for _, project := range projects {
		if !matchesText(filter.Search, project.ProjectID, project.Title, project.Description) {
			continue
		}
		if !matchesCategory(filter.Status, project.Status) {
			continue
		}
		if !matchesCategory(filter.ProjectType, project.ProjectType) {
			continue
		}
		out = append(out, project)
	}
	return out
}

func (e *ListFilterEngine) FilterLogs(logs []storage.LogEntry, filter LogFilter) []LogView {
	out := make([]LogView, 0, len(logs))
	for _, entry := range logs {
		if !matchesText(filter.Search, entry.Message, entry.ProjectID) {
			continue
		}
		if !matchesCategory(filter.Level, entry.Level) {
			continue
		}
		if !matchesCategory(filter.SessionID, entry.SessionID) {
			continue
		}
		out = append(out, LogView{LogEntry: entry, SessionName: e.resolveName(entry.SessionID)})
	}
	return out
}

func (e *ListFilterEngine) resolveName(sessionID string) string {
	if sessionID == "" {
		return UnknownSessionName
	}
	if e.names != nil {
		if name, ok := e.names.DisplayName(sessionID); ok {
			return name
		}
	}
	return UnknownSessionName
}

// matchesText reports whether any field contains term, case-insensitively.
// An empty term matches everything.
func matchesText(term string, fields ...string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// matchesCategory treats empty and "all" as wildcards, otherwise requires
// exact equality.
func matchesCategory(filter, value string) bool {
	return filter == "" || filter == FilterAll || filter == value
}
