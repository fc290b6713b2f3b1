// Package api serves the REST surface around consultations: health, public
// forms, user sync, call history and summaries, and the vendor and identity
// webhooks.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/carecall/internal/callid"
	"github.com/tjfontaine/carecall/internal/identity"
	"github.com/tjfontaine/carecall/internal/server"
	"github.com/tjfontaine/carecall/internal/storage"
	"github.com/tjfontaine/carecall/internal/vapi"
)

const maxBodyBytes = 1 << 20

// Middleware wraps a handler.
type Middleware = func(http.Handler) http.Handler

// Guards are the access checks applied to route groups. A nil guard lets
// every request through.
type Guards struct {
	User        Middleware
	UserOrAdmin Middleware
	Admin       Middleware
	RateLimit   Middleware
}

// Store is the persistence the API needs.
type Store interface {
	storage.ContactStore
	storage.NewsletterStore
	storage.UserStore
	storage.CallStore
}

// Options configures a Handler.
type Options struct {
	Store         Store
	Vapi          *vapi.Client
	Dispatcher    *vapi.Dispatcher
	VapiSecret    string
	Identity      *identity.Verifier
	Validator     *callid.Validator
	Consultations interface{ Len() int }
	Logger        *slog.Logger
}

// Handler implements the API endpoints.
type Handler struct {
	store         Store
	vapi          *vapi.Client
	dispatcher    *vapi.Dispatcher
	vapiSecret    string
	identity      *identity.Verifier
	validator     *callid.Validator
	consultations interface{ Len() int }
	logger        *slog.Logger
	startTime     time.Time
	now           func() time.Time
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := opts.Validator
	if validator == nil {
		validator = callid.Default()
	}
	return &Handler{
		store:         opts.Store,
		vapi:          opts.Vapi,
		dispatcher:    opts.Dispatcher,
		vapiSecret:    opts.VapiSecret,
		identity:      opts.Identity,
		validator:     validator,
		consultations: opts.Consultations,
		logger:        logger,
		startTime:     time.Now(),
		now:           time.Now,
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func orPass(m Middleware) Middleware {
	if m == nil {
		return passthrough
	}
	return m
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router, g Guards) {
	user := orPass(g.User)
	limit := orPass(g.RateLimit)

	r.Get("/", h.handleHealth)

	r.With(limit).Post("/api/contact", h.handleContact)
	r.With(limit).Post("/api/newsletter", h.handleNewsletter)

	r.Post("/webhooks/identity", h.handleIdentityWebhook)
	r.Post("/api/vapi/webhook", h.handleVapiWebhook)

	r.Get("/api/vapi/test", h.handleVapiTest)
	r.With(user).Get("/api/vapi/call/{callId}", h.handleVapiCall)
	r.With(orPass(g.UserOrAdmin)).Get("/api/vapi/calls", h.handleVapiCalls)

	r.With(user).Post("/api/user/sync", h.handleUserSync)
	r.With(user).Get("/api/calls/{callId}", h.handleGetCall)
	r.With(user).Post("/api/calls", h.handleSaveCall)

	r.With(orPass(g.Admin)).Get("/api/admin/stats", h.handleStats)

	r.NotFound(h.handleNotFound)
}

type healthResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, healthResponse{
		Message:   "BACKEND API IS RUNNING",
		Timestamp: h.now().UTC(),
	})
}

type notFoundResponse struct {
	Error  string `json:"error"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("route not found",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	server.WriteJSON(w, http.StatusNotFound, notFoundResponse{
		Error:  "Route not found",
		Method: r.Method,
		Path:   r.URL.Path,
	})
}

// messageResponse is the success body of form endpoints.
type messageResponse struct {
	Message string `json:"message"`
}

var errEmptyBody = errors.New("request body is empty")

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	switch {
	case errors.Is(err, io.EOF):
		return errEmptyBody
	case err != nil:
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}
