// Package httptransport is the thin HTTP adapter over the core services.
// Handlers parse and authorize nothing beyond the caller identity; every rule
// lives in the services.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/httputil"
	"cardvault/pkg/platform/middleware/auth"
	"cardvault/pkg/platform/middleware/request"
	"cardvault/pkg/platform/middleware/requesttime"
	"cardvault/pkg/requestcontext"
)

const requestTimeout = 30 * time.Second

// Services are the core operations the API exposes.
type Services struct {
	Catalog   CatalogService
	Instances InstanceService
	Allocator Allocator
	Supply    SupplyService
	Grading   GradingService
	Market    MarketService
	Trading   TradingService
	Wallet    WalletService
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	logger   *slog.Logger
	services Services
}

func New(services Services, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, services: services}
}

type routerConfig struct {
	limiter func(http.Handler) http.Handler
}

type RouterOption func(*routerConfig)

// WithRateLimit throttles every authenticated route with mw.
func WithRateLimit(mw func(http.Handler) http.Handler) RouterOption {
	return func(c *routerConfig) {
		c.limiter = mw
	}
}

// NewRouter wires every route. metrics may be nil.
func NewRouter(h *Handler, verifier auth.Verifier, metrics http.Handler, checks map[string]HealthCheck, opts ...RouterOption) http.Handler {
	var cfg routerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()
	r.Use(request.Recovery(h.logger))
	r.Use(request.RequestID)
	r.Use(request.Logger(h.logger))
	r.Use(requesttime.Middleware)

	r.Get("/healthz", healthHandler(checks))
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))
		r.Use(auth.RequireAuth(verifier, h.logger))
		if cfg.limiter != nil {
			r.Use(cfg.limiter)
		}

		r.Get("/catalog", h.handleListDefinitions)
		r.Get("/catalog/{definitionID}", h.handleGetDefinition)
		r.Get("/supply/{definitionID}/{rarity}", h.handleGetSupply)

		r.Get("/me/instances", h.handleListMyInstances)
		r.Get("/me/trades", h.handleListMyTrades)
		r.Get("/me/wallet", h.handleGetMyWallet)

		r.Get("/instances/{instanceID}", h.handleGetInstance)
		r.Post("/instances/{instanceID}/grading", h.handleRequestGrading)
		r.Get("/instances/{instanceID}/grading", h.handleGradingStatus)
		r.Post("/instances/{instanceID}/grading/complete", h.handleCompleteGrading)
		r.Post("/instances/{instanceID}/grading/reveal", h.handleRevealGraded)

		r.Get("/listings", h.handleListListings)
		r.Post("/listings", h.handleCreateListing)
		r.Get("/listings/{listingID}", h.handleGetListing)
		r.Delete("/listings/{listingID}", h.handleCancelListing)
		r.Post("/listings/{listingID}/offers", h.handleMakeOffer)
		r.Post("/listings/{listingID}/offers/{offerID}/accept", h.handleAcceptOffer)
		r.Post("/listings/{listingID}/offers/{offerID}/reject", h.handleRejectOffer)
		r.Delete("/listings/{listingID}/offers/{offerID}", h.handleCancelOffer)

		r.Post("/trades", h.handleCreateTrade)
		r.Get("/trades/{tradeID}", h.handleGetTrade)
		r.Post("/trades/{tradeID}/accept", h.handleAcceptTrade)
		r.Post("/trades/{tradeID}/reject", h.handleRejectTrade)
		r.Post("/trades/{tradeID}/cancel", h.handleCancelTrade)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin(h.logger))
			r.Post("/supply/allocate", h.handleAllocate)
			r.Put("/supply/{definitionID}/{rarity}/display", h.handleSetDisplayOverride)
			r.Delete("/supply/{definitionID}/{rarity}/display", h.handleClearDisplayOverride)
			r.Delete("/instances/{instanceID}", h.handleReturnToPool)
			r.Post("/wallets/{userID}/grant", h.handleGrant)
		})
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		httputil.WriteJSON(w, status, body)
	}
}

// fail logs and renders a service error. Client errors log at warn level.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	code := dErrors.CodeOf(err)
	attrs := []any{
		"op", op,
		"code", string(code),
		"error", err.Error(),
		"request_id", requestcontext.RequestID(ctx),
	}
	if code == dErrors.CodeInternal || code == dErrors.CodeTimeout {
		h.logger.ErrorContext(ctx, "request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "request rejected", attrs...)
	}
	httputil.WriteError(w, err)
}

func decode[T any](h *Handler, w http.ResponseWriter, r *http.Request) (*T, bool) {
	ctx := r.Context()
	return httputil.DecodeAndPrepare[T](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
}

// pathID parses a route parameter, writing a 400 on failure.
func pathID[T any](w http.ResponseWriter, r *http.Request, name string, parse func(string) (T, error)) (T, bool) {
	v, err := parse(chi.URLParam(r, name))
	if err != nil {
		httputil.WriteError(w, err)
		return v, false
	}
	return v, true
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}
