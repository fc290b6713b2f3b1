package api

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/tjfontaine/carecall/internal/auth"
	"github.com/tjfontaine/carecall/internal/identity"
	"github.com/tjfontaine/carecall/internal/server"
	"github.com/tjfontaine/carecall/internal/storage"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func validEmail(s string) bool {
	return emailPattern.MatchString(s)
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (h *Handler) handleContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(r, &req); err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := &storage.Contact{
		Name:    strings.TrimSpace(req.Name),
		Email:   strings.TrimSpace(req.Email),
		Subject: strings.TrimSpace(req.Subject),
		Message: strings.TrimSpace(req.Message),
	}
	if c.Name == "" || c.Email == "" || c.Subject == "" || c.Message == "" {
		server.WriteError(w, http.StatusBadRequest, "name, email, subject and message are required")
		return
	}
	if !validEmail(c.Email) {
		server.WriteError(w, http.StatusBadRequest, "Please use a valid email address")
		return
	}

	if err := h.store.CreateContact(r.Context(), c); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "Failed to submit your message.")
		return
	}
	server.WriteJSON(w, http.StatusCreated, messageResponse{
		Message: "Your message has been received. We will get back to you soon!",
	})
}

type newsletterRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handleNewsletter(w http.ResponseWriter, r *http.Request) {
	var req newsletterRequest
	if err := decodeJSON(r, &req); err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !validEmail(email) {
		server.WriteError(w, http.StatusBadRequest, "Please use a valid email address")
		return
	}

	err := h.store.Subscribe(r.Context(), &storage.NewsletterSubscription{Email: email})
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		server.WriteError(w, http.StatusConflict, "You are already subscribed to our newsletter.")
	case err != nil:
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "Failed to subscribe to the newsletter.")
	default:
		server.WriteJSON(w, http.StatusCreated, messageResponse{Message: "Successfully subscribed to the newsletter!"})
	}
}

type userSyncRequest struct {
	ClerkID   string `json:"clerkId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// handleUserSync upserts the caller's own profile. The id in the body, when
// present, must match the session token subject.
func (h *Handler) handleUserSync(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req userSyncRequest
	if err := decodeJSON(r, &req); err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClerkID == "" {
		req.ClerkID = userID
	}
	if req.ClerkID == "" {
		server.WriteError(w, http.StatusBadRequest, "clerkId is required")
		return
	}
	if userID != "" && req.ClerkID != userID {
		server.WriteError(w, http.StatusForbidden, "cannot sync another user")
		return
	}

	u := &storage.User{
		ID:        req.ClerkID,
		Email:     strings.TrimSpace(req.Email),
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}
	if err := h.store.UpsertUser(r.Context(), u); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "Failed to sync user data")
		return
	}
	server.WriteJSON(w, http.StatusOK, messageResponse{Message: "User data synced successfully"})
}

// handleIdentityWebhook mirrors identity-provider user lifecycle events.
func (h *Handler) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil {
		server.WriteError(w, http.StatusServiceUnavailable, "identity webhooks are not configured")
		return
	}

	body, err := readBody(r)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.identity.Verify(r.Header, body); err != nil {
		server.AddError(r.Context(), err)
		status := http.StatusUnauthorized
		if errors.Is(err, identity.ErrMissingHeaders) {
			status = http.StatusBadRequest
		}
		server.WriteError(w, status, "invalid webhook signature")
		return
	}

	ev, err := identity.ParseEvent(body)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	server.AddLogField(r.Context(), "user_id", ev.Data.ID)
	server.AddLogField(r.Context(), "event_type", ev.Type)

	switch ev.Type {
	case identity.EventUserCreated, identity.EventUserUpdated:
		err = h.store.UpsertUser(r.Context(), &storage.User{
			ID:        ev.Data.ID,
			Email:     ev.Data.PrimaryEmail(),
			FirstName: ev.Data.FirstName,
			LastName:  ev.Data.LastName,
		})
	case identity.EventUserDeleted:
		err = h.store.DeleteUser(r.Context(), ev.Data.ID)
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
	default:
		h.logger.Debug("ignoring identity event", slog.String("type", ev.Type))
	}
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
