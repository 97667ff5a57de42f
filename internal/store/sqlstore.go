package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLStore persists teams and session documents in Postgres or SQLite. The
// queries are written with ? placeholders and rebound for the driver.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type teamRow struct {
	Revision int64  `db:"revision"`
	Data     string `db:"data"`
}

func (s *SQLStore) LoadTeam(ctx context.Context, teamID string) (TeamRecord, error) {
	var row teamRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT revision, data FROM teams WHERE id = ?`), teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return TeamRecord{}, ErrNotFound
	}
	if err != nil {
		return TeamRecord{}, fmt.Errorf("load team: %w", err)
	}
	var team Team
	if err := json.Unmarshal([]byte(row.Data), &team); err != nil {
		return TeamRecord{}, fmt.Errorf("decode team %s: %w", teamID, err)
	}
	team.ID = teamID
	return TeamRecord{Team: team, Revision: row.Revision}, nil
}

func (s *SQLStore) FindTeamIDByName(ctx context.Context, name string) (string, error) {
	var teamID string
	err := s.db.GetContext(ctx, &teamID, s.db.Rebind(`SELECT id FROM teams WHERE name_key = ?`), NameKey(name))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find team by name: %w", err)
	}
	return teamID, nil
}

func (s *SQLStore) CreateTeam(ctx context.Context, team Team) (TeamRecord, error) {
	data, err := json.Marshal(team)
	if err != nil {
		return TeamRecord{}, fmt.Errorf("encode team: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO teams (id, name, name_key, revision, data)
		VALUES (?, ?, ?, 1, ?)
	`), team.ID, team.Name, NameKey(team.Name), string(data))
	if isUniqueViolation(err) {
		return TeamRecord{}, ErrTeamNameTaken
	}
	if err != nil {
		return TeamRecord{}, fmt.Errorf("insert team: %w", err)
	}
	return TeamRecord{Team: team, Revision: 1}, nil
}

// CommitTeam writes team only if its stored revision still equals expected,
// and returns the new revision.
func (s *SQLStore) CommitTeam(ctx context.Context, team Team, expected int64) (int64, error) {
	data, err := json.Marshal(team)
	if err != nil {
		return 0, fmt.Errorf("encode team: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE teams
		SET data = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND revision = ?
	`), string(data), team.ID, expected)
	if err != nil {
		return 0, fmt.Errorf("commit team: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("commit team rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrRevisionConflict
	}
	return expected + 1, nil
}

// LoadSessionState returns nil when the session has never been persisted.
func (s *SQLStore) LoadSessionState(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var data string
	err := s.db.GetContext(ctx, &data, s.db.Rebind(`SELECT data FROM session_states WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	return json.RawMessage(data), nil
}

// SaveSessionState upserts the document and returns the stored form, which is
// the compacted JSON rather than the caller's bytes.
func (s *SQLStore) SaveSessionState(ctx context.Context, sessionID string, doc json.RawMessage) (json.RawMessage, error) {
	normalized, err := normalizeDocument(doc)
	if err != nil {
		return nil, err
	}
	var teamID sql.NullString
	if meta := ParseSessionMeta(normalized); meta.TeamID != "" {
		teamID = sql.NullString{String: meta.TeamID, Valid: true}
	}

	var stored string
	err = s.db.GetContext(ctx, &stored, s.db.Rebind(`
		INSERT INTO session_states (session_id, team_id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (session_id) DO UPDATE
		SET team_id = excluded.team_id, data = excluded.data, updated_at = CURRENT_TIMESTAMP
		RETURNING data
	`), sessionID, teamID, string(normalized))
	if err != nil {
		return nil, fmt.Errorf("save session state: %w", err)
	}
	return json.RawMessage(stored), nil
}

func normalizeDocument(doc json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return nil, fmt.Errorf("session document is not valid JSON: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
