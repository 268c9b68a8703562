package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/httputil"
)

// sessionView is a session without its per-product results; those are
// served paginated from /results.
type sessionView struct {
	*domain.RepricingSession
	Processed int `json:"processed"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	view := *sess
	view.Results = nil
	httputil.OK(w, sessionView{RepricingSession: &view, Processed: sess.Processed()})
}

func (s *Server) getSessionResults(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	results := sess.Results
	if results == nil {
		results = []domain.ExecutionResult{}
	}
	p := ParsePagination(r, 100, 1000)
	lo, hi := p.window(len(results))
	httputil.OK(w, newPage(results[lo:hi], p, len(results)))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.StopSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, sess)
}
