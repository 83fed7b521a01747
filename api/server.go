/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, picked up by the request logger
  2. RealIP:     Client address from proxy headers
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Logger:     One zap line per request
  5. Metrics:    Prometheus counters and latency by route pattern
  6. CORS:       Cross-origin requests for frontend
  7. Identity:   X-User-ID required on everything under /api
  8. AdminOnly:  /api/admin limited to Options.AdminUsers when set

ROUTE GROUPS:
  /api/users/*       Registration, balances, history
  /api/groups/*      Households, membership, adjustments
  /api/invites/*     Invite code preview
  /api/tasks/*       Chore lifecycle
  /api/wishlist/*    Rewards
  /api/admin/*       Reconciliation
  /metrics           Prometheus scrape endpoint
  /healthz           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Options configures the router.
type Options struct {
	CORSOrigins []string
	// AdminUsers may call /api/admin. Empty leaves it open to any caller.
	AdminUsers []string
	Logger     *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Identity)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.RegisterUser)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/tasks", h.ListUserTasks)
			r.Get("/{id}/groups", h.ListUserGroups)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.CreateGroup)
			r.Post("/join", h.JoinGroup)
			r.Get("/{id}", h.GetGroup)
			r.Put("/{id}", h.UpdateGroup)
			r.Delete("/{id}", h.DeleteGroup)
			r.Post("/{id}/leave", h.LeaveGroup)
			r.Delete("/{id}/members/{userId}", h.RemoveMember)
			r.Post("/{id}/invites", h.InviteMember)
			r.Post("/{id}/adjustments", h.CreateAdjustment)
			r.Get("/{id}/tasks", h.ListGroupTasks)
			r.Get("/{id}/wishlist", h.ListGroupWishlist)
			r.Get("/{id}/transactions", h.ListGroupTransactions)
		})

		r.Get("/invites/{code}", h.ResolveInvite)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/{id}", h.GetTask)
			r.Put("/{id}", h.UpdateTask)
			r.Delete("/{id}", h.DeleteTask)
			r.Post("/{id}/claim", h.ClaimTask)
			r.Post("/{id}/start", h.StartTask)
			r.Post("/{id}/complete", h.CompleteTask)
			r.Post("/{id}/approve", h.ApproveTask)
			r.Get("/{id}/transactions", h.ListTaskTransactions)
		})

		r.Route("/wishlist", func(r chi.Router) {
			r.Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
			r.Put("/{id}", h.UpdateItem)
			r.Delete("/{id}", h.DeleteItem)
			r.Post("/{id}/purchase", h.PurchaseItem)
			r.Post("/{id}/gift", h.GiftItem)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminOnly(opts.AdminUsers))
			r.Post("/reconcile", h.Reconcile)
			r.Get("/incidents", h.ListIncidents)
		})
	})

	return r
}

// ServerConfig holds the listener settings for NewServer.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer wraps the router with OpenTelemetry HTTP instrumentation.
func NewServer(cfg ServerConfig, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      otelhttp.NewHandler(router, "points-api"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
