package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/httputil"
)

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RepricingRule
	if !httputil.Decode(w, r, &rule) {
		return
	}
	created, err := s.rules.Create(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, created)
}

// listRules answers GET /api/rules?status=&type=&tag=&page=&limit=
func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.RuleFilter{
		Status: domain.RuleStatus(q.Get("status")),
		Type:   domain.RuleType(q.Get("type")),
		Tag:    q.Get("tag"),
	}
	list, err := s.rules.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	p := ParsePagination(r, 50, 200)
	lo, hi := p.window(len(list))
	httputil.OK(w, newPage(list[lo:hi], p, len(list)))
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RepricingRule
	if !httputil.Decode(w, r, &rule) {
		return
	}
	updated, err := s.rules.Update(r.Context(), chi.URLParam(r, "id"), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, updated)
}

func (s *Server) pauseRule(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rules.Pause)
}

func (s *Server) activateRule(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rules.Activate)
}

func (s *Server) archiveRule(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rules.Archive)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*domain.RepricingRule, error)) {
	rule, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, rule)
}

type triggerRequest struct {
	ProductIDs []string `json:"product_ids"`
}

// triggerRule starts a manual session: 202 for a new session, 200 when the
// rule already had one RUNNING.
func (s *Server) triggerRule(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	res, err := s.engine.TriggerRule(r.Context(), chi.URLParam(r, "id"), req.ProductIDs, domain.SourceManual)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Existing {
		httputil.OK(w, res.Session)
		return
	}
	httputil.Accepted(w, res.Session)
}
