package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"roundex/internal/apperr"
	"roundex/internal/auth"
	"roundex/internal/store"
)

type ctxKey int

const (
	userKey ctxKey = iota
	claimsKey
)

// errorBody is the error shape shared by REST responses and websocket error events
type errorBody struct {
	Type       string `json:"type,omitempty"`
	Name       string `json:"name"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func errorFor(err error) errorBody {
	code, msg := apperr.Status(err)
	name := apperr.KindOf(err).String()
	return errorBody{Name: name, StatusCode: code, Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorFor(err)
	if body.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, body.StatusCode, body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidOperation("Invalid request body")
	}
	return nil
}

func bearer(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// requireAuth resolves the bearer token and stores the user in the request context
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			s.writeError(w, r, apperr.Unauthorized("Missing bearer token"))
			return
		}
		u, claims, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, u)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(r *http.Request) *store.User {
	u, _ := r.Context().Value(userKey).(*store.User)
	return u
}

func currentClaims(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return c
}
