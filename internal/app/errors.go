package app

import (
	"errors"
	"fmt"
	"net/http"

	"retro/api/internal/auth"
	"retro/api/internal/team"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates service errors into an HTTP status and error body.
// Authentication failures use their sentinel text as both code and message
// so clients can tell them apart.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *team.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Message, nil
	}
	switch {
	case errors.Is(err, team.ErrInvalidPassword):
		return http.StatusUnauthorized, team.ErrInvalidPassword.Error(), team.ErrInvalidPassword.Error(), nil
	case errors.Is(err, team.ErrTeamNotFound):
		return http.StatusNotFound, team.ErrTeamNotFound.Error(), team.ErrTeamNotFound.Error(), nil
	case errors.Is(err, team.ErrTeamNameTaken):
		return http.StatusConflict, team.ErrTeamNameTaken.Error(), "Team name already taken", nil
	case errors.Is(err, team.ErrConflict):
		return http.StatusConflict, "conflict", "Team was modified concurrently, retry the request", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, team.ErrStaleCredential):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
