package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fitsync/internal/activities"
	"fitsync/internal/backfill"
	"fitsync/internal/config"
	"fitsync/internal/database"
	"fitsync/internal/metrics"
	"fitsync/internal/middleware"
	"fitsync/internal/oauth"
	syncengine "fitsync/internal/sync"
	"fitsync/internal/webhooks"
)

// maxWebhookBody bounds how much of a push delivery is read
const maxWebhookBody = 4 << 20

// Server wires the HTTP surface to the application services
type Server struct {
	cfg        *config.Config
	db         *database.DB
	oauth      *oauth.Manager
	sync       *syncengine.Engine
	backfill   *backfill.Scheduler
	activities *activities.Aggregator
	webhooks   *webhooks.Processor
	logger     *slog.Logger
}

// NewServer creates the HTTP server wiring
func NewServer(cfg *config.Config, db *database.DB, oauthManager *oauth.Manager,
	syncEngine *syncengine.Engine, scheduler *backfill.Scheduler,
	aggregator *activities.Aggregator, processor *webhooks.Processor) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		oauth:      oauthManager,
		sync:       syncEngine,
		backfill:   scheduler,
		activities: aggregator,
		webhooks:   processor,
		logger:     slog.Default(),
	}
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.With(middleware.Metrics(metrics.EndpointHealth)).Get("/health", s.handleHealth)
	r.With(middleware.Metrics(metrics.EndpointWebhook)).Post("/webhook/garmin", s.handleWebhook)

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.db))
		r.With(middleware.Metrics(metrics.EndpointAuthStart)).Get("/{provider}/start", s.handleAuthStart)
		r.With(middleware.Metrics(metrics.EndpointAuthExchange)).Post("/{provider}/exchange", s.handleAuthExchange)
		r.With(middleware.Metrics(metrics.EndpointDisconnect)).Delete("/{provider}", s.handleDisconnect)
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(s.db))
			r.With(middleware.Metrics(metrics.EndpointSync)).Post("/sync", s.handleSync)
			r.With(middleware.Metrics(metrics.EndpointBackfill)).Post("/backfill", s.handleBackfill)
			r.With(middleware.Metrics(metrics.EndpointActivities)).Get("/activities", s.handleActivities)
			r.With(middleware.Metrics(metrics.EndpointActivityTypes)).Get("/activities/types", s.handleActivityTypes)
		})
		r.With(
			middleware.InternalKeyAuth(s.cfg.InternalAPIKey),
			middleware.Metrics(metrics.EndpointReconcile),
		).Post("/backfill/reconcile", s.handleReconcile)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Health(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider != database.ProviderStrava && provider != database.ProviderGarmin {
		respondError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	authURL, err := s.oauth.StartAuth(r.Context(), provider, r.Header.Get("Origin"))
	if err != nil {
		s.logger.Error("failed to start auth", "provider", provider, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	respondSuccess(w, map[string]any{"url": authURL})
}

func (s *Server) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := decodeBody(r, &req); err != nil || req.Code == "" || req.State == "" {
		respondError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	provider := chi.URLParam(r, "provider")
	var err error
	switch provider {
	case database.ProviderStrava:
		err = s.oauth.CompleteStrava(r.Context(), userID, req.Code, req.State)
	case database.ProviderGarmin:
		err = s.oauth.CompleteGarmin(r.Context(), userID, req.Code, req.State, r.Header.Get("Origin"))
	default:
		respondError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrStateMismatch),
			errors.Is(err, oauth.ErrNoPendingAuth),
			errors.Is(err, oauth.ErrMissingVerifier):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("auth exchange failed", "provider", provider, "user_id", userID, "error", err)
			respondError(w, http.StatusBadGateway, "authorization exchange failed")
		}
		return
	}

	summary := map[string]any{"provider": provider}
	if cred, err := s.db.GetCredential(userID, provider); err == nil && cred != nil {
		if cred.ExpiresAt != nil {
			summary["expiresAt"] = *cred.ExpiresAt
		}
		if cred.Scope != nil {
			summary["scope"] = *cred.Scope
		}
	}
	respondSuccess(w, summary)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	provider := chi.URLParam(r, "provider")
	if provider != database.ProviderStrava && provider != database.ProviderGarmin {
		respondError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	if err := s.oauth.Disconnect(userID, provider); err != nil {
		s.logger.Error("failed to disconnect provider", "user_id", userID, "provider", provider, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	respondSuccess(w, nil)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req struct {
		Provider string `json:"provider"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider != database.ProviderStrava && req.Provider != database.ProviderGarmin {
		respondError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	result, err := s.sync.Sync(r.Context(), userID, req.Provider)
	if err != nil {
		s.respondCredentialError(w, userID, req.Provider, err)
		return
	}
	respondSuccess(w, map[string]any{
		"synced":        result.Synced,
		"total":         result.Total,
		"isIncremental": result.IsIncremental,
	})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req struct {
		MonthsBack int `json:"monthsBack"`
	}
	if err := decodeBody(r, &req); err != nil || req.MonthsBack <= 0 {
		respondError(w, http.StatusBadRequest, "monthsBack must be positive")
		return
	}

	result, err := s.backfill.Initiate(r.Context(), userID, req.MonthsBack)
	if err != nil {
		if errors.Is(err, backfill.ErrAlreadyRequested) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.respondCredentialError(w, userID, database.ProviderGarmin, err)
		return
	}
	respondSuccess(w, map[string]any{
		"results":           result.Results,
		"totalPeriods":      result.TotalPeriods,
		"successfulPeriods": result.SuccessfulPeriods,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.backfill.Reconcile(r.Context())
	if err != nil {
		s.logger.Error("reconciliation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	respondSuccess(w, map[string]any{
		"retried":   result.Retried,
		"timedOut":  result.TimedOut,
		"completed": result.Completed,
	})
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("pageSize"), activities.DefaultPageSize)

	filters := activities.Filters{
		Type:   q.Get("type"),
		Query:  q.Get("q"),
		Source: q.Get("source"),
	}
	if v := q.Get("from"); v != "" {
		from, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filters.From = &from
	}
	if v := q.Get("to"); v != "" {
		to, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filters.To = &to
	}

	result, err := s.activities.List(userID, page, pageSize, filters)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondSuccess(w, map[string]any{
		"items":      result.Items,
		"totalCount": result.TotalCount,
		"page":       result.Page,
		"pageSize":   result.PageSize,
	})
}

func (s *Server) handleActivityTypes(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	types, err := s.activities.Types(userID)
	if err != nil {
		s.logger.Error("failed to get activity types", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get activity types")
		return
	}
	if types == nil {
		types = []string{}
	}
	respondSuccess(w, map[string]any{"types": types})
}

// handleWebhook acknowledges every delivery with 200. The provider retries
// non-200 responses aggressively; failures here are logged, not surfaced.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Error("failed to read webhook body", "error", err)
		respondSuccess(w, nil)
		return
	}

	result, err := s.webhooks.Process(r.Context(), body)
	if err != nil {
		s.logger.Warn("webhook delivery not processable", "error", err)
		respondSuccess(w, nil)
		return
	}
	respondSuccess(w, map[string]any{
		"activities":      result.Activities,
		"dailies":         result.Dailies,
		"sleeps":          result.Sleeps,
		"deregistrations": result.Deregistrations,
	})
}

// respondCredentialError maps credential lifecycle errors onto status codes
func (s *Server) respondCredentialError(w http.ResponseWriter, userID int64, provider string, err error) {
	switch {
	case errors.Is(err, oauth.ErrNotConnected):
		respondError(w, http.StatusBadRequest, "provider not connected")
	case errors.Is(err, oauth.ErrCredentialExpired):
		respondError(w, http.StatusUnauthorized, "credential expired, reconnect the provider")
	default:
		s.logger.Error("request failed", "user_id", userID, "provider", provider, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
