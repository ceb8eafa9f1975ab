package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/queue"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrForbidden indicates the caller may not act on a project
type ErrForbidden struct {
	Reason string
}

func (e *ErrForbidden) Error() string {
	return "forbidden: " + e.Reason
}

// ErrConflict indicates the request cannot run in the project's current state
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation *ErrValidation
		forbidden  *ErrForbidden
		conflict   *ErrConflict
		transition *ledger.InvalidTransitionError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.Is(err, db.ErrProjectNotFound), errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &transition),
		errors.Is(err, db.ErrDuplicate), errors.Is(err, queue.ErrActiveJob):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
