package api

import (
	"errors"
	"net/http"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/engine"
	"github.com/ignite/repricer/internal/pkg/httputil"
	"github.com/ignite/repricer/internal/service/rules"
)

// writeError maps engine and domain errors to status codes. Anything
// unrecognised is logged and answered with a generic 500 so storage
// details never reach the client.
func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.InvalidField(w, verr.Field, verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, engine.ErrConcurrencyConflict),
		errors.Is(err, engine.ErrSessionFinished),
		errors.Is(err, engine.ErrRuleNotActive),
		errors.Is(err, rules.ErrInvalidTransition),
		errors.Is(err, rules.ErrArchived):
		httputil.Conflict(w, err.Error())
	case engine.IsConstraintViolation(err), errors.Is(err, engine.ErrNoFeasiblePrice):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "constraint_violation", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
