package team

import (
	"time"

	"retro/api/internal/store"
)

// ReplaceContent overwrites the client-editable parts of the team. Identity,
// name, credential and activity tracking are kept from the stored aggregate.
func ReplaceContent(input ClientTeam) UpdateFunc {
	return func(current store.Team) (store.Team, error) {
		current.FacilitatorEmail = input.FacilitatorEmail
		current.Members = nonNil(input.Members)
		current.ArchivedMembers = nonNil(input.ArchivedMembers)
		current.CustomTemplates = input.CustomTemplates
		current.Retrospectives = nonNil(input.Retrospectives)
		current.HealthChecks = nonNil(input.HealthChecks)
		current.GlobalActions = nonNil(input.GlobalActions)
		return current, nil
	}
}

// SetMembers replaces the active and/or archived member lists. A nil list
// leaves the stored one unchanged.
func SetMembers(members, archived []store.Member) UpdateFunc {
	return func(current store.Team) (store.Team, error) {
		if members != nil {
			current.Members = members
		}
		if archived != nil {
			current.ArchivedMembers = archived
		}
		return current, nil
	}
}

// UpsertRetrospective replaces the retrospective with the same id, or puts a
// new one first.
func UpsertRetrospective(retro store.Retrospective) UpdateFunc {
	return func(current store.Team) (store.Team, error) {
		for i := range current.Retrospectives {
			if current.Retrospectives[i].ID == retro.ID {
				current.Retrospectives[i] = retro
				return current, nil
			}
		}
		current.Retrospectives = append([]store.Retrospective{retro}, current.Retrospectives...)
		return current, nil
	}
}

func UpsertHealthCheck(check store.HealthCheck) UpdateFunc {
	return func(current store.Team) (store.Team, error) {
		for i := range current.HealthChecks {
			if current.HealthChecks[i].ID == check.ID {
				current.HealthChecks[i] = check
				return current, nil
			}
		}
		current.HealthChecks = append([]store.HealthCheck{check}, current.HealthChecks...)
		return current, nil
	}
}

func AppendGlobalAction(action store.Action) UpdateFunc {
	return func(current store.Team) (store.Team, error) {
		current.GlobalActions = append(current.GlobalActions, action)
		return current, nil
	}
}

func TouchLastConnection(at time.Time) UpdateFunc {
	stamp := at.UTC().Format(time.RFC3339)
	return func(current store.Team) (store.Team, error) {
		current.LastConnectionDate = stamp
		return current, nil
	}
}

func SetPasswordHash(hash string) UpdateFunc {
	return func(current store.Team) (store.Team, error) {
		current.PasswordHash = hash
		return current, nil
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
