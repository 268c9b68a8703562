package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/httputil"
)

func (s *Server) listCompetitors(w http.ResponseWriter, r *http.Request) {
	list, err := s.competitors.ListCompetitors(r.Context(), r.URL.Query().Get("asin"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, list)
}

func (s *Server) addCompetitor(w http.ResponseWriter, r *http.Request) {
	var c domain.Competitor
	if !httputil.Decode(w, r, &c) {
		return
	}
	added, err := s.engine.Monitor().Add(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, added)
}

func (s *Server) updateCompetitor(w http.ResponseWriter, r *http.Request) {
	var c domain.Competitor
	if !httputil.Decode(w, r, &c) {
		return
	}
	c.ASIN = chi.URLParam(r, "asin")
	c.SellerID = chi.URLParam(r, "sellerId")
	updated, err := s.engine.Monitor().Update(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, updated)
}

func (s *Server) removeCompetitor(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Monitor().Remove(r.Context(), chi.URLParam(r, "asin"), chi.URLParam(r, "sellerId")); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

type pollResponse struct {
	Competitor domain.Competitor     `json:"competitor"`
	Signals    []domain.MarketSignal `json:"signals"`
}

// pollCompetitor polls immediately; emitted signals go through the normal
// signal path.
func (s *Server) pollCompetitor(w http.ResponseWriter, r *http.Request) {
	sigs, c, err := s.engine.Monitor().ForcePoll(r.Context(), chi.URLParam(r, "asin"), chi.URLParam(r, "sellerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sigs == nil {
		sigs = []domain.MarketSignal{}
	}
	httputil.OK(w, pollResponse{Competitor: c, Signals: sigs})
}

func (s *Server) competitorHistory(w http.ResponseWriter, r *http.Request) {
	history := s.engine.PriceHistory()
	if history == nil {
		httputil.NotFound(w, "price history is not configured")
		return
	}
	since, ok := s.since(w, r, 7*24*time.Hour)
	if !ok {
		return
	}
	obs, err := history.History(r.Context(), chi.URLParam(r, "asin"), chi.URLParam(r, "sellerId"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, obs)
}

func (s *Server) recordBuyBoxEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.BuyBoxEvent
	if !httputil.Decode(w, r, &ev) {
		return
	}
	recorded, err := s.engine.RecordBuyBoxEvent(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, recorded)
}

func (s *Server) buyBoxMetrics(w http.ResponseWriter, r *http.Request) {
	since, ok := s.since(w, r, 30*24*time.Hour)
	if !ok {
		return
	}
	m, err := s.engine.Analyzer().Metrics(r.Context(), chi.URLParam(r, "asin"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, m)
}

type optimizeRequest struct {
	ProductID string               `json:"product_id"`
	RuleID    string               `json:"rule_id,omitempty"`
	Goals     domain.BusinessGoals `json:"goals"`
}

func (s *Server) optimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		httputil.InvalidField(w, "product_id", "product_id is required")
		return
	}
	res, err := s.engine.OptimizeProduct(r.Context(), req.ProductID, req.RuleID, req.Goals)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// since parses ?since= as RFC 3339, defaulting to now minus def.
func (s *Server) since(w http.ResponseWriter, r *http.Request, def time.Duration) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return s.now().Add(-def), true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		httputil.InvalidField(w, "since", "since must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}
