package api

import (
	"net/http"

	"github.com/seantiz/igprov/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// HistoryResponse wraps the paginated transition history.
type HistoryResponse struct {
	Transitions []model.Transition `json:"transitions"`
	Total       int                `json:"total"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	transitions, total, err := s.history.ListTransitions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list transitions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	if transitions == nil {
		transitions = []model.Transition{}
	}

	s.writeJSON(w, http.StatusOK, HistoryResponse{
		Transitions: transitions,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}
