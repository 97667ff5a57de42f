package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type memoryTeam struct {
	revision int64
	data     []byte
}

// MemoryStore is a process-local store with the same semantics as SQLStore.
// Teams are held encoded so readers never share memory with each other.
type MemoryStore struct {
	mu       sync.Mutex
	teams    map[string]memoryTeam
	names    map[string]string
	sessions map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:    make(map[string]memoryTeam),
		names:    make(map[string]string),
		sessions: make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) LoadTeam(_ context.Context, teamID string) (TeamRecord, error) {
	s.mu.Lock()
	entry, ok := s.teams[teamID]
	s.mu.Unlock()
	if !ok {
		return TeamRecord{}, ErrNotFound
	}
	var team Team
	if err := json.Unmarshal(entry.data, &team); err != nil {
		return TeamRecord{}, fmt.Errorf("decode team %s: %w", teamID, err)
	}
	return TeamRecord{Team: team, Revision: entry.revision}, nil
}

func (s *MemoryStore) FindTeamIDByName(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	teamID, ok := s.names[NameKey(name)]
	if !ok {
		return "", ErrNotFound
	}
	return teamID, nil
}

func (s *MemoryStore) CreateTeam(_ context.Context, team Team) (TeamRecord, error) {
	data, err := json.Marshal(team)
	if err != nil {
		return TeamRecord{}, fmt.Errorf("encode team: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := NameKey(team.Name)
	if _, taken := s.names[key]; taken {
		return TeamRecord{}, ErrTeamNameTaken
	}
	s.names[key] = team.ID
	s.teams[team.ID] = memoryTeam{revision: 1, data: data}
	return TeamRecord{Team: team, Revision: 1}, nil
}

func (s *MemoryStore) CommitTeam(_ context.Context, team Team, expected int64) (int64, error) {
	data, err := json.Marshal(team)
	if err != nil {
		return 0, fmt.Errorf("encode team: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.teams[team.ID]
	if !ok || entry.revision != expected {
		return 0, ErrRevisionConflict
	}
	next := entry.revision + 1
	s.teams[team.ID] = memoryTeam{revision: next, data: data}
	return next, nil
}

func (s *MemoryStore) LoadSessionState(_ context.Context, sessionID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), doc...), nil
}

func (s *MemoryStore) SaveSessionState(_ context.Context, sessionID string, doc json.RawMessage) (json.RawMessage, error) {
	normalized, err := normalizeDocument(doc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = normalized
	return append(json.RawMessage(nil), normalized...), nil
}
