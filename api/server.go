/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admissions frontend

ROUTE GROUPS:
  /health               Liveness
  /api/applications/*   Intake and applicant reads
  /api/fees/*           Pure fee preview
  /api/admin/*          Admin transitions, payment confirmation and audit (X-Admin-Token)
  /api/claims, /api/users/*, /api/coupons/*
  /oauth/youtube/*      Subscription workflow (only when configured)

SECURITY NOTE:
  Admin routes are guarded by a shared token when one is configured. With
  no token (local development) they are open.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
)

// AdminTokenHeader carries the shared admin token.
const AdminTokenHeader = "X-Admin-Token"

// RouterOptions configures cross-cutting middleware.
type RouterOptions struct {
	CORSOrigins []string
	AdminToken  string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", AdminTokenHeader, ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/applications", func(r chi.Router) {
			r.Post("/", h.SubmitApplication)
			r.Get("/", h.ListApplications)
			r.Get("/{id}", h.GetApplication)
			r.Get("/{id}/fee-preview", h.PreviewApplicantFee)
		})

		r.Post("/fees/preview", h.PreviewFee)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminOnly(opts.AdminToken))

			r.Route("/applications/{id}", func(r chi.Router) {
				r.Post("/review", h.StartReview)
				r.Post("/approve", h.ApproveApplication)
				r.Post("/reject", h.RejectApplication)
				r.Post("/scholarship", h.VerifyScholarship)
			})
			r.Post("/claims/{id}/verify", h.VerifyClaim)
			r.Post("/claims/{id}/processed", h.MarkClaimProcessed)
			r.Post("/payments/confirm", h.ConfirmPayment)
			r.Get("/audit", h.ListAudit)
		})

		r.Post("/claims", h.RecordClaim)
		r.Get("/users/{id}/claims", h.ListUserClaims)
		r.Post("/coupons/{code}/redeem", h.RedeemCoupon)
	})

	if h.Workflow != nil {
		r.Route("/oauth/youtube", func(r chi.Router) {
			r.Get("/start", h.StartYouTubeOAuth)
			r.Get("/callback", h.YouTubeCallback)
		})
	}

	return r
}

// adminOnly rejects requests without the configured token. An empty token
// disables the check.
func adminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := r.Header.Get(AdminTokenHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					err := &domain.SecurityError{Reason: "admin token missing or invalid"}
					writeJSON(w, domain.HTTPStatus(err), ErrorResponse{Error: err.Error(), Code: domain.ErrorCode(err)})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Infow("http request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
