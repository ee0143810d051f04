package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"roundex/internal/auth"
	"roundex/internal/negotiation"
	"roundex/internal/orders"
	"roundex/internal/round"
	"roundex/internal/store"
)

type Server struct {
	store       *store.Store
	auth        *auth.Service
	orders      *orders.Service
	rounds      *round.Scheduler
	chats       *negotiation.Engine
	hub         *Hub
	rateLimiter *RateLimiter
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	corsOrigins []string // Allowed CORS origins (empty = allow all)
}

func NewServer(st *store.Store, authSvc *auth.Service, orderSvc *orders.Service, rounds *round.Scheduler, chats *negotiation.Engine, logger *slog.Logger) *Server {
	s := &Server{
		store:       st,
		auth:        authSvc,
		orders:      orderSvc,
		rounds:      rounds,
		chats:       chats,
		hub:         NewHub(),
		rateLimiter: NewRateLimiter(20, time.Minute), // auth attempts per IP
		logger:      logger.With("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins sets the allowed CORS origins.
// Pass an empty slice to allow all origins (development).
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimiter.Middleware)
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/me", s.handleMe)

			r.Get("/securities", s.handleListSecurities)
			r.Put("/securities/{id}/market-price", s.handleEditMarketPrice)

			r.Route("/buy-orders", s.orderRoutes(store.Buy))
			r.Route("/sell-orders", s.orderRoutes(store.Sell))

			r.Get("/rounds", s.handleListRounds)
			r.Get("/rounds/active", s.handleActiveRound)
			r.Get("/rounds/stats", s.handleRoundStats)

			r.Get("/user-requests", s.handleListRequests)
			r.Post("/user-requests/{id}/approve", s.handleApproveRequest)
			r.Post("/user-requests/{id}/reject", s.handleRejectRequest)

			r.Get("/chats", s.handleChats)
		})
	})

	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *Server) orderRoutes(side store.Side) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", s.handleListOrders(side))
		r.Post("/", s.handleCreateOrder(side))
		r.Get("/{id}", s.handleGetOrder(side))
		r.Put("/{id}", s.handleEditOrder(side))
		r.Delete("/{id}", s.handleDeleteOrder(side))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newClient(s.hub, conn)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(s.handleAction)
}

// Shutdown stops the rate limiter and closes every websocket client
func (s *Server) Shutdown() {
	s.rateLimiter.Stop()
	s.hub.Stop()
}
