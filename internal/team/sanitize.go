package team

import (
	"encoding/json"

	"retro/api/internal/store"
)

// ClientTeam is the only team shape that is sent to clients. It has no
// credential field, so nothing encoded from it can carry one.
type ClientTeam struct {
	ID                 string                `json:"id"`
	Name               string                `json:"name"`
	FacilitatorEmail   string                `json:"facilitatorEmail,omitempty"`
	Members            []store.Member        `json:"members"`
	ArchivedMembers    []store.Member        `json:"archivedMembers"`
	CustomTemplates    []json.RawMessage     `json:"customTemplates"`
	Retrospectives     []store.Retrospective `json:"retrospectives"`
	HealthChecks       []store.HealthCheck   `json:"healthChecks"`
	GlobalActions      []store.Action        `json:"globalActions"`
	LastConnectionDate string                `json:"lastConnectionDate,omitempty"`
}

// Sanitize drops the credential and passes every other field through.
func Sanitize(t store.Team) ClientTeam {
	return ClientTeam{
		ID:                 t.ID,
		Name:               t.Name,
		FacilitatorEmail:   t.FacilitatorEmail,
		Members:            t.Members,
		ArchivedMembers:    t.ArchivedMembers,
		CustomTemplates:    t.CustomTemplates,
		Retrospectives:     t.Retrospectives,
		HealthChecks:       t.HealthChecks,
		GlobalActions:      t.GlobalActions,
		LastConnectionDate: t.LastConnectionDate,
	}
}
