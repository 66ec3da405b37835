package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/internal/sealbox"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/httputil"
	"github.com/audax/qabel-index/pkg/requestcontext"
)

// maxUpdateBody caps PUT /update bodies.
const maxUpdateBody = 1 << 20

// Service defines the index operations the handler exposes.
type Service interface {
	PublicKey() sealbox.Key
	ProcessUpdate(ctx context.Context, contentType string, body []byte) (*models.UpdateResult, error)
	Search(ctx context.Context, terms []models.SearchTerm) (*models.SearchResponse, error)
	Review(ctx context.Context, token string) (*models.PendingSummary, error)
	Confirm(ctx context.Context, token string) (*models.VerificationResponse, error)
	Deny(ctx context.Context, token string) (*models.VerificationResponse, error)
}

// Handler serves the public API under /api/v0 and the verification links under /verify.
type Handler struct {
	service   Service
	logger    *slog.Logger
	locale    *fields.LocaleMatcher
	authorize func(http.Handler) http.Handler
	publicURL string
}

type Option func(*Handler)

// WithLocale enables Accept-Language negotiation of the phone region hint.
func WithLocale(m *fields.LocaleMatcher) Option {
	return func(h *Handler) {
		h.locale = m
	}
}

// WithAuthorization guards every /api/v0 route with mw. Verification links stay open.
func WithAuthorization(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.authorize = mw
	}
}

// WithPublicURL sets the base of the links returned by the API root.
func WithPublicURL(u string) Option {
	return func(h *Handler) {
		h.publicURL = strings.TrimRight(u, "/")
	}
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r. r is expected to strip trailing slashes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v0", func(api chi.Router) {
		if h.authorize != nil {
			api.Use(h.authorize)
		}
		api.Use(h.negotiateLocale)
		api.Get("/", h.handleRoot)
		api.Get("/key", h.handleKey)
		api.Get("/search", h.handleSearch)
		api.Post("/search", h.handleSearch)
		api.Put("/update", h.handleUpdate)
	})
	r.Route("/verify/{token}", func(verify chi.Router) {
		verify.Get("/", h.handleReview)
		verify.Get("/confirm", h.handleConfirm)
		verify.Get("/deny", h.handleDeny)
	})
}

func (h *Handler) negotiateLocale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.locale != nil {
			region := h.locale.Region(r.Header.Get("Accept-Language"))
			r = r.WithContext(requestcontext.WithRegion(r.Context(), region))
		}
		next.ServeHTTP(w, r)
	})
}

type rootResponse struct {
	Key    string `json:"key"`
	Search string `json:"search"`
	Update string `json:"update"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	base := h.publicURL + "/api/v0/"
	httputil.WriteJSON(w, http.StatusOK, rootResponse{
		Key:    base + "key/",
		Search: base + "search/",
		Update: base + "update/",
	})
}

func (h *Handler) handleKey(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, models.KeyResponse{PublicKey: h.service.PublicKey()})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var terms []models.SearchTerm
	if r.Method == http.MethodPost {
		var req models.SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid request body"), "invalid search request")
			return
		}
		terms = req.Query
	} else {
		terms = termsFromQuery(r)
	}

	resp, err := h.service.Search(ctx, terms)
	if err != nil {
		h.writeError(ctx, w, err, "search failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// termsFromQuery turns ?email=a&email=b&phone=c into terms, one per value,
// ordered by parameter name. Unknown names pass through so they are rejected.
func termsFromQuery(r *http.Request) []models.SearchTerm {
	query := r.URL.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	var terms []models.SearchTerm
	for _, name := range names {
		for _, value := range query[name] {
			terms = append(terms, models.SearchTerm{Field: name, Value: value})
		}
	}
	return terms
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBody))
	if err != nil {
		h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeBadRequest, "request body too large or unreadable"), "invalid update request")
		return
	}

	result, err := h.service.ProcessUpdate(ctx, r.Header.Get("Content-Type"), body)
	if err != nil {
		h.writeError(ctx, w, err, "update failed")
		return
	}
	if result.Status == models.UpdatePending {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Review(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(r.Context(), w, err, "review failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Confirm(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(r.Context(), w, err, "confirm failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Deny(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(r.Context(), w, err, "deny failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// writeError logs client faults at WARN and everything else at ERROR, then
// writes the error envelope.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	requestID := requestcontext.RequestID(ctx)
	if dErrors.IsClientFault(dErrors.CodeOf(err)) {
		h.logger.WarnContext(ctx, msg, "request_id", requestID, "error", err.Error())
	} else {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err.Error())
	}
	httputil.WriteError(w, err)
}
