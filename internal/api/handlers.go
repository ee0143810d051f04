package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"roundex/internal/apperr"
	"roundex/internal/orders"
	"roundex/internal/store"
)

func (s *Server) handleListOrders(side store.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.orders.ListCurrent(r.Context(), side, currentUser(r).ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if list == nil {
			list = []store.Order{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleCreateOrder(side store.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in orders.Input
		if err := decode(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}

		create := s.orders.CreateBuyOrder
		if side == store.Sell {
			create = s.orders.CreateSellOrder
		}
		o, err := create(r.Context(), currentUser(r).ID, in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
	}
}

func (s *Server) handleGetOrder(side store.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := s.orders.GetOrder(r.Context(), side, chi.URLParam(r, "id"), currentUser(r).ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func (s *Server) handleEditOrder(side store.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in orders.Input
		if err := decode(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		o, err := s.orders.EditOrder(r.Context(), side, chi.URLParam(r, "id"), currentUser(r).ID, in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func (s *Server) handleDeleteOrder(side store.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.orders.DeleteOrder(r.Context(), side, chi.URLParam(r, "id"), currentUser(r).ID); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListSecurities(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSecurities(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Security{}
	}
	writeJSON(w, http.StatusOK, list)
}

type MarketPriceRequest struct {
	MarketPrice decimal.NullDecimal `json:"market_price"`
}

func (s *Server) handleEditMarketPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.auth.RequireCommittee(ctx, currentUser(r).ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req MarketPriceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MarketPrice.Valid && !req.MarketPrice.Decimal.IsPositive() {
		s.writeError(w, r, apperr.InvalidOperation("Market price must be positive"))
		return
	}

	id := chi.URLParam(r, "id")
	err := s.store.SetMarketPrice(ctx, id, req.MarketPrice)
	if errors.Is(err, store.ErrNotFound) {
		err = apperr.NotFound("Security not found")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sec, err := s.store.GetSecurity(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	list, err := s.rounds.Rounds(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Round{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleActiveRound(w http.ResponseWriter, r *http.Request) {
	active, err := s.rounds.ActiveRound(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleRoundStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.rounds.RoundStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	asBuyer, _ := strconv.ParseBool(r.URL.Query().Get("as_buyer"))
	asSeller, _ := strconv.ParseBool(r.URL.Query().Get("as_seller"))

	inbox, err := s.chats.ChatsByUser(r.Context(), currentUser(r).ID, asBuyer, asSeller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inbox)
}
