package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

type transactionListResponse struct {
	Data       []models.AddressedTransaction `json:"data"`
	HasMore    bool                          `json:"hasMore"`
	NextCursor string                        `json:"nextCursor,omitempty"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 100 {
		s.writeError(w, r, badRequestf("limit must be between 1 and 100"))
		return
	}
	sort := q.Get("sort")
	if sort != "" && !strings.EqualFold(sort, "asc") && !strings.EqualFold(sort, "desc") {
		s.writeError(w, r, badRequestf("sort must be asc or desc"))
		return
	}

	var directions []models.TxDirection
	if raw := q.Get("direction"); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			switch dir := models.TxDirection(strings.ToLower(strings.TrimSpace(d))); dir {
			case models.DirectionIn, models.DirectionOut, models.DirectionNeutral:
				directions = append(directions, dir)
			default:
				s.writeError(w, r, badRequestf("unknown direction %q", d))
				return
			}
		}
	}

	page, err := s.cfg.Transactions.FindByChainAliasAndAddress(r.Context(),
		chi.URLParam(r, "chainAlias"), chi.URLParam(r, "address"),
		database.FindByChainAliasAndAddressOptions{
			Cursor:     q.Get("cursor"),
			Limit:      limit,
			Sort:       sort,
			Directions: directions,
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page.Data == nil {
		page.Data = []models.AddressedTransaction{}
	}
	s.writeJSON(w, http.StatusOK, transactionListResponse{
		Data:       page.Data,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	})
}
