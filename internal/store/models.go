package store

import (
	"encoding/json"
	"strings"
)

// Team is the durable team aggregate. PasswordHash never leaves the server;
// client-facing code works with team.ClientTeam instead.
type Team struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	PasswordHash       string            `json:"passwordHash"`
	FacilitatorEmail   string            `json:"facilitatorEmail,omitempty"`
	Members            []Member          `json:"members"`
	ArchivedMembers    []Member          `json:"archivedMembers"`
	CustomTemplates    []json.RawMessage `json:"customTemplates"`
	Retrospectives     []Retrospective   `json:"retrospectives"`
	HealthChecks       []HealthCheck     `json:"healthChecks"`
	GlobalActions      []Action          `json:"globalActions"`
	LastConnectionDate string            `json:"lastConnectionDate,omitempty"`
}

// TeamRecord is a team as read from storage together with the revision a
// conditional commit must match.
type TeamRecord struct {
	Team     Team
	Revision int64
}

type Member struct {
	ID    string                     `json:"id"`
	Name  string                     `json:"name"`
	Color string                     `json:"color,omitempty"`
	Role  string                     `json:"role,omitempty"`
	Email string                     `json:"email,omitempty"`
	Extra map[string]json.RawMessage `json:"-"`
}

type Action struct {
	ID         string                     `json:"id"`
	Text       string                     `json:"text"`
	AssigneeID string                     `json:"assigneeId,omitempty"`
	Done       bool                       `json:"done"`
	Extra      map[string]json.RawMessage `json:"-"`
}

// Retrospective holds the fields the server inspects; anything else a client
// stores on a retrospective round-trips through Extra.
type Retrospective struct {
	ID      string                     `json:"id"`
	Name    string                     `json:"name"`
	Date    string                     `json:"date,omitempty"`
	Status  string                     `json:"status,omitempty"`
	Phase   string                     `json:"phase,omitempty"`
	Actions []Action                   `json:"actions,omitempty"`
	Extra   map[string]json.RawMessage `json:"-"`
}

type HealthCheck struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Date        string                     `json:"date,omitempty"`
	Status      string                     `json:"status,omitempty"`
	Phase       string                     `json:"phase,omitempty"`
	ModelID     string                     `json:"modelId,omitempty"`
	IsAnonymous bool                       `json:"isAnonymous,omitempty"`
	Responses   []HealthResponse           `json:"responses,omitempty"`
	Actions     []Action                   `json:"actions,omitempty"`
	Extra       map[string]json.RawMessage `json:"-"`
}

type HealthResponse struct {
	UserID        string                     `json:"userId"`
	AnonymousName string                     `json:"anonymousName,omitempty"`
	Ratings       map[string]json.RawMessage `json:"ratings"`
	Extra         map[string]json.RawMessage `json:"-"`
}

// SessionMeta is the part of a live session document the server reads.
// The rest of the document is opaque.
type SessionMeta struct {
	TeamID string `json:"teamId"`
	Phase  string `json:"phase"`
}

func ParseSessionMeta(doc json.RawMessage) SessionMeta {
	var meta SessionMeta
	_ = json.Unmarshal(doc, &meta)
	return meta
}

// NameKey is the case-insensitive lookup key for team names.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FindMember returns the active member with the given id.
func (t Team) FindMember(id string) (Member, bool) {
	for _, member := range t.Members {
		if member.ID == id {
			return member, true
		}
	}
	return Member{}, false
}

// Clone returns a deep copy of the team. Update functions receive clones so a
// retried attempt never observes a previous attempt's edits.
func (t Team) Clone() (Team, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return Team{}, err
	}
	var out Team
	if err := json.Unmarshal(raw, &out); err != nil {
		return Team{}, err
	}
	return out, nil
}
