// Package team mediates every write to a team aggregate. Writes are
// read-modify-write cycles committed against the revision they were read at;
// a cycle that loses a race is re-run from a fresh read.
package team

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"retro/api/internal/metrics"
	"retro/api/internal/rbac"
	"retro/api/internal/store"
)

var (
	ErrTeamNotFound    = errors.New("team_not_found")
	ErrInvalidPassword = errors.New("invalid_password")
	ErrTeamNameTaken   = errors.New("team_name_taken")
	// ErrConflict means every attempt lost a race; nothing was written.
	ErrConflict = errors.New("team update conflict")
	// ErrStaleCredential means the password changed after a token was issued.
	ErrStaleCredential = errors.New("stale credential")
)

// ValidationError is returned for input the caller can fix.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Store is the persistence the mediator needs. CommitTeam must fail with
// store.ErrRevisionConflict when the stored revision differs from expected.
type Store interface {
	LoadTeam(ctx context.Context, teamID string) (store.TeamRecord, error)
	FindTeamIDByName(ctx context.Context, name string) (string, error)
	CreateTeam(ctx context.Context, team store.Team) (store.TeamRecord, error)
	CommitTeam(ctx context.Context, team store.Team, expected int64) (int64, error)
}

// UpdateFunc transforms the current aggregate into the next one. It may run
// several times for one AtomicUpdate call and must not have side effects.
// Returning an error aborts the update without retrying.
type UpdateFunc func(current store.Team) (store.Team, error)

type Result struct {
	Team     store.Team
	Revision int64
}

type Service struct {
	store       Store
	logger      *zap.Logger
	maxAttempts int
	hashCost    int
	now         func() time.Time
}

type Option func(*Service)

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithHashCost(cost int) Option {
	return func(s *Service) {
		s.hashCost = cost
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(teamStore Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:       teamStore,
		logger:      logger,
		maxAttempts: 5,
		hashCost:    bcrypt.DefaultCost,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AtomicUpdate applies fn to the latest team and commits the result only if
// no other writer committed in between. Each successful call advances the
// revision by exactly one.
func (s *Service) AtomicUpdate(ctx context.Context, teamID string, fn UpdateFunc) (Result, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		record, err := s.store.LoadTeam(ctx, teamID)
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, ErrTeamNotFound
		}
		if err != nil {
			metrics.TeamUpdates.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("load team: %w", err)
		}

		current, err := record.Team.Clone()
		if err != nil {
			return Result{}, fmt.Errorf("copy team: %w", err)
		}
		next, err := fn(current)
		if err != nil {
			return Result{}, err
		}
		next.ID = record.Team.ID

		revision, err := s.store.CommitTeam(ctx, next, record.Revision)
		if errors.Is(err, store.ErrRevisionConflict) {
			metrics.TeamUpdateConflicts.Inc()
			s.logger.Debug("team commit lost a race, retrying",
				zap.String("team_id", teamID),
				zap.Int("attempt", attempt),
				zap.Int64("revision", record.Revision),
			)
			continue
		}
		if err != nil {
			metrics.TeamUpdates.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("commit team: %w", err)
		}

		metrics.TeamUpdates.WithLabelValues("ok").Inc()
		return Result{Team: next, Revision: revision}, nil
	}

	metrics.TeamUpdates.WithLabelValues("exhausted").Inc()
	s.logger.Warn("team update gave up after repeated conflicts",
		zap.String("team_id", teamID),
		zap.Int("attempts", s.maxAttempts),
	)
	return Result{}, ErrConflict
}

// Authenticate checks password against the team's credential. The id must
// match exactly. It never returns a team alongside an error.
func (s *Service) Authenticate(ctx context.Context, teamID, password string) (store.Team, error) {
	record, err := s.authenticate(ctx, teamID, password)
	if err != nil {
		return store.Team{}, err
	}
	return record.Team, nil
}

func (s *Service) authenticate(ctx context.Context, teamID, password string) (store.TeamRecord, error) {
	record, err := s.store.LoadTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return store.TeamRecord{}, ErrTeamNotFound
	}
	if err != nil {
		return store.TeamRecord{}, fmt.Errorf("load team: %w", err)
	}
	if password == "" || record.Team.PasswordHash == "" {
		return store.TeamRecord{}, ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.Team.PasswordHash), []byte(password)); err != nil {
		return store.TeamRecord{}, ErrInvalidPassword
	}
	return record, nil
}

// Login resolves the team by case-insensitive name and authenticates it.
func (s *Service) Login(ctx context.Context, teamName, password string) (Result, error) {
	teamID, err := s.store.FindTeamIDByName(ctx, teamName)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrTeamNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("find team: %w", err)
	}
	record, err := s.authenticate(ctx, teamID, password)
	if err != nil {
		return Result{}, err
	}
	return Result{Team: record.Team, Revision: record.Revision}, nil
}

type CreateInput struct {
	Name             string
	Password         string
	FacilitatorEmail string
}

// Create stores a new team with a single facilitator member at revision 1.
func (s *Service) Create(ctx context.Context, input CreateInput) (Result, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Result{}, &ValidationError{Message: "name is required"}
	}
	if input.Password == "" {
		return Result{}, &ValidationError{Message: "password is required"}
	}
	hash, err := s.hashPassword(input.Password)
	if err != nil {
		return Result{}, err
	}

	email := strings.TrimSpace(input.FacilitatorEmail)
	team := store.Team{
		ID:               uuid.NewString(),
		Name:             name,
		PasswordHash:     hash,
		FacilitatorEmail: email,
		Members: []store.Member{{
			ID:    uuid.NewString(),
			Name:  "Facilitator",
			Role:  string(rbac.RoleFacilitator),
			Email: email,
		}},
		ArchivedMembers:    []store.Member{},
		Retrospectives:     []store.Retrospective{},
		HealthChecks:       []store.HealthCheck{},
		GlobalActions:      []store.Action{},
		LastConnectionDate: s.now().UTC().Format(time.RFC3339),
	}

	record, err := s.store.CreateTeam(ctx, team)
	if errors.Is(err, store.ErrTeamNameTaken) {
		return Result{}, ErrTeamNameTaken
	}
	if err != nil {
		return Result{}, fmt.Errorf("create team: %w", err)
	}
	s.logger.Info("team created", zap.String("team_id", team.ID))
	return Result{Team: record.Team, Revision: record.Revision}, nil
}

func (s *Service) Get(ctx context.Context, teamID string) (Result, error) {
	record, err := s.store.LoadTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrTeamNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load team: %w", err)
	}
	return Result{Team: record.Team, Revision: record.Revision}, nil
}

// ChangePassword authenticates with the current password before rotating it.
func (s *Service) ChangePassword(ctx context.Context, teamID, currentPassword, newPassword string) (Result, error) {
	if newPassword == "" {
		return Result{}, &ValidationError{Message: "newPassword is required"}
	}
	if _, err := s.authenticate(ctx, teamID, currentPassword); err != nil {
		return Result{}, err
	}
	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return Result{}, err
	}
	return s.AtomicUpdate(ctx, teamID, SetPasswordHash(hash))
}

// RecordActivity refreshes the team's last connection date when userID is a
// non-facilitator member. It reports whether a write happened.
func (s *Service) RecordActivity(ctx context.Context, teamID, userID string) (bool, error) {
	record, err := s.store.LoadTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load team: %w", err)
	}
	member, ok := record.Team.FindMember(userID)
	if !ok || !rbac.TracksActivity(member.Role) {
		return false, nil
	}
	if _, err := s.AtomicUpdate(ctx, teamID, TouchLastConnection(s.now())); err != nil {
		return false, err
	}
	return true, nil
}

// CredentialStamp fingerprints the stored password hash. Rotating the
// password changes the stamp.
func CredentialStamp(t store.Team) string {
	sum := sha256.Sum256([]byte(t.PasswordHash))
	return hex.EncodeToString(sum[:8])
}

// VerifyCredentialStamp fails with ErrStaleCredential unless stamp matches the
// team's current credential.
func (s *Service) VerifyCredentialStamp(ctx context.Context, teamID, stamp string) error {
	result, err := s.Get(ctx, teamID)
	if err != nil {
		return err
	}
	if stamp == "" || CredentialStamp(result.Team) != stamp {
		return ErrStaleCredential
	}
	return nil
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", &ValidationError{Message: "password must be at most 72 bytes"}
	}
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
