// Package handler is the thin HTTP layer over the merge engine. Transport
// concerns only; trust and merge decisions live in internal/profile/service.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"idvault/internal/platform/middleware"
	"idvault/internal/profile/models"
	"idvault/internal/profile/service"
	"idvault/internal/vault"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/httputil"
)

// Service is the merge engine surface the handler needs.
type Service interface {
	Merge(ctx context.Context, identityHint string, incoming models.Profile) (service.MergeResult, error)
	GetRecord(ctx context.Context, identityKey string) (vault.Record, error)
	ResolveIdentityHint(ctx context.Context, kind models.SecondaryKind, value string) (string, error)
	ListIdentityKeys(ctx context.Context, fromSeq uint64, limit int) ([]string, error)
}

// Handler handles the profile change endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Service
	validator middleware.BearerValidator
	timeout   time.Duration
}

// New creates a profile Handler. A nil validator disables the bearer gate
// (local development).
func New(svc Service, logger *slog.Logger, validator middleware.BearerValidator) *Handler {
	return &Handler{
		logger:    logger,
		service:   svc,
		validator: validator,
		timeout:   30 * time.Second,
	}
}

// Register mounts the profile routes on the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(h.timeout))
	router.Use(middleware.ContentTypeJSON)
	if h.validator != nil {
		router.Use(middleware.RequireAuth(h.validator, h.logger))
	}
	router.Post("/v2/user", h.handleMerge)
	router.Get("/v2/user/{identityKey}", h.handleGetProfile)
	router.Get("/v2/users", h.handleListIdentities)

	r.Mount("/", router)
}

// handleMerge accepts a partial signed profile and merges it into the vault.
// The optional user_id query parameter is the caller-supplied identity
// lookup; email, username or uuid parameters resolve advisory hints through
// the secondary indices.
func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var incoming models.Profile
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		h.logger.WarnContext(ctx, "invalid profile payload",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid profile document"))
		return
	}

	hint, err := h.resolveHint(ctx, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.Merge(ctx, hint, incoming)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeValidation) {
			h.logger.WarnContext(ctx, "merge rejected",
				"request_id", requestID,
				"error", err.Error(),
			)
			httputil.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "merge failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// resolveHint picks the identity lookup parameter. user_id wins; the
// secondary kinds are advisory lookups through the vault indices.
func (h *Handler) resolveHint(ctx context.Context, r *http.Request) (string, error) {
	q := r.URL.Query()
	if userID := q.Get("user_id"); userID != "" {
		return userID, nil
	}
	lookups := []struct {
		param string
		kind  models.SecondaryKind
	}{
		{"primary_email", models.SecondaryEmail},
		{"primary_username", models.SecondaryUsername},
		{"user_uuid", models.SecondaryUUID},
	}
	for _, l := range lookups {
		value := q.Get(l.param)
		if value == "" {
			continue
		}
		key, err := h.service.ResolveIdentityHint(ctx, l.kind, value)
		if err != nil {
			if dErrors.Is(err, dErrors.CodeNotFound) {
				// Unknown secondary key: fall back to the embedded identity.
				return "", nil
			}
			return "", err
		}
		return key, nil
	}
	return "", nil
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	identityKey := chi.URLParam(r, "identityKey")
	rec, err := h.service.GetRecord(r.Context(), identityKey)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// handleListIdentities enumerates identity keys in sequence order. The from
// and limit query parameters page through the vault; from is the lowest
// sequence number included.
func (h *Handler) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var fromSeq uint64
	if raw := q.Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "from must be a non-negative integer"))
			return
		}
		fromSeq = parsed
	}
	limit := 1000
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	keys, err := h.service.ListIdentityKeys(r.Context(), fromSeq, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, keys)
}
