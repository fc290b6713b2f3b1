package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/carecall/internal/auth"
	"github.com/tjfontaine/carecall/internal/server"
	"github.com/tjfontaine/carecall/internal/storage"
	"github.com/tjfontaine/carecall/internal/vapi"
)

type callErrorResponse struct {
	Error  string `json:"error"`
	CallID string `json:"callId"`
}

type vapiTestResponse struct {
	Message   string `json:"message"`
	HasAPIKey bool   `json:"hasApiKey"`
}

func (h *Handler) vapiReady() bool {
	return h.vapi != nil && h.vapi.HasAPIKey()
}

func (h *Handler) handleVapiTest(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, vapiTestResponse{
		Message:   "VAPI routes are working!",
		HasAPIKey: h.vapiReady(),
	})
}

// writeVendorError propagates the vendor status code when there is one.
func (h *Handler) writeVendorError(w http.ResponseWriter, r *http.Request, callID string, err error) {
	server.AddError(r.Context(), err)
	if apiErr, ok := vapi.AsAPIError(err); ok {
		server.WriteJSON(w, apiErr.StatusCode, callErrorResponse{Error: apiErr.Message, CallID: callID})
		return
	}
	if errors.Is(err, vapi.ErrMissingAPIKey) {
		server.WriteJSON(w, http.StatusServiceUnavailable, callErrorResponse{Error: err.Error(), CallID: callID})
		return
	}
	server.WriteJSON(w, http.StatusBadGateway, callErrorResponse{Error: err.Error(), CallID: callID})
}

// writeCall passes the vendor payload through unchanged when it is available.
func writeCall(w http.ResponseWriter, call *vapi.Call) {
	if len(call.RawBody) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(call.RawBody)
		return
	}
	server.WriteJSON(w, http.StatusOK, call)
}

func (h *Handler) handleVapiCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	server.AddLogField(r.Context(), "call_id", callID)

	if err := h.validator.Validate(callID); err != nil {
		server.WriteJSON(w, http.StatusBadRequest, callErrorResponse{Error: err.Error(), CallID: callID})
		return
	}
	if !h.vapiReady() {
		h.writeVendorError(w, r, callID, vapi.ErrMissingAPIKey)
		return
	}

	call, err := h.vapi.GetCall(r.Context(), callID)
	if err != nil {
		h.writeVendorError(w, r, callID, err)
		return
	}
	writeCall(w, call)
}

type callListResponse struct {
	Calls      []json.RawMessage `json:"calls"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// handleVapiCalls returns one page of vendor call history. Pass next_cursor
// back as before to fetch the following page.
func (h *Handler) handleVapiCalls(w http.ResponseWriter, r *http.Request) {
	params := vapi.ListCallsParams{Limit: vapi.DefaultListLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > vapi.MaxListLimit {
			server.WriteError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(vapi.MaxListLimit))
			return
		}
		params.Limit = n
	}
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			server.WriteError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		params.CreatedBefore = t
	}
	if !h.vapiReady() {
		h.writeVendorError(w, r, "", vapi.ErrMissingAPIKey)
		return
	}

	calls, err := h.vapi.ListCalls(r.Context(), params)
	if err != nil {
		h.writeVendorError(w, r, "", err)
		return
	}

	resp := callListResponse{Calls: make([]json.RawMessage, 0, len(calls))}
	for i := range calls {
		raw := calls[i].RawBody
		if len(raw) == 0 {
			b, err := json.Marshal(calls[i])
			if err != nil {
				continue
			}
			raw = b
		}
		resp.Calls = append(resp.Calls, raw)
	}
	if n := len(calls); n == params.Limit && calls[n-1].CreatedAt != nil {
		resp.NextCursor = calls[n-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

// handleGetCall returns the caller's stored summary, fetching and storing it
// from the vendor on first access.
func (h *Handler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	callID := chi.URLParam(r, "callId")
	server.AddLogField(r.Context(), "call_id", callID)

	if err := h.validator.Validate(callID); err != nil {
		server.WriteJSON(w, http.StatusBadRequest, callErrorResponse{Error: err.Error(), CallID: callID})
		return
	}

	sum, err := h.store.GetCallSummary(r.Context(), callID)
	switch {
	case err == nil:
		if sum.UserID != userID {
			server.WriteError(w, http.StatusNotFound, "Call not found")
			return
		}
		server.WriteJSON(w, http.StatusOK, sum)
		return
	case !errors.Is(err, storage.ErrNotFound):
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "Failed to get call summary")
		return
	}

	if !h.vapiReady() {
		h.writeVendorError(w, r, callID, vapi.ErrMissingAPIKey)
		return
	}
	call, err := h.vapi.GetCall(r.Context(), callID)
	if err != nil {
		if apiErr, ok := vapi.AsAPIError(err); ok && apiErr.NotFound() {
			server.WriteError(w, http.StatusNotFound, "Call not found")
			return
		}
		h.writeVendorError(w, r, callID, err)
		return
	}
	if owner := call.Metadata[vapi.MetadataUserID]; owner != "" && owner != userID {
		server.WriteError(w, http.StatusNotFound, "Call not found")
		return
	}

	sum = summaryFromCall(call, userID)
	err = h.store.SaveCallSummary(r.Context(), sum)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		// Saved concurrently, usually by the end-of-call report.
		stored, gerr := h.store.GetCallSummary(r.Context(), callID)
		if gerr != nil || stored.UserID != userID {
			server.WriteError(w, http.StatusNotFound, "Call not found")
			return
		}
		sum = stored
	case err != nil:
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "Failed to get call summary")
		return
	}
	server.WriteJSON(w, http.StatusOK, sum)
}

func summaryFromCall(call *vapi.Call, userID string) *storage.CallSummary {
	sum := &storage.CallSummary{
		CallID:      call.ID,
		UserID:      userID,
		SessionID:   call.Metadata[vapi.MetadataSessionID],
		Summary:     call.Summary,
		Transcript:  call.Transcript,
		EndedReason: call.EndedReason,
		Cost:        call.Cost,
	}
	if call.Analysis != nil {
		if sum.Summary == "" {
			sum.Summary = call.Analysis.Summary
		}
		if b, err := json.Marshal(call.Analysis); err == nil {
			sum.Analysis = b
		}
	}
	if sum.Transcript == "" && call.Artifact != nil {
		sum.Transcript = call.Artifact.Transcript
	}
	return sum
}

type saveCallRequest struct {
	CallID     string          `json:"callId"`
	Summary    string          `json:"summary"`
	Transcript string          `json:"transcript"`
	Analysis   json.RawMessage `json:"analysis"`
}

func (h *Handler) handleSaveCall(w http.ResponseWriter, r *http.Request) {
	var req saveCallRequest
	if err := decodeJSON(r, &req); err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	server.AddLogField(r.Context(), "call_id", req.CallID)

	if err := h.validator.Validate(req.CallID); err != nil {
		server.WriteJSON(w, http.StatusBadRequest, callErrorResponse{Error: err.Error(), CallID: req.CallID})
		return
	}
	if strings.TrimSpace(req.Summary) == "" {
		server.WriteError(w, http.StatusBadRequest, "summary is required")
		return
	}

	sum := &storage.CallSummary{
		CallID:     req.CallID,
		UserID:     auth.UserIDFromContext(r.Context()),
		Summary:    req.Summary,
		Transcript: req.Transcript,
	}
	if len(req.Analysis) > 0 && string(req.Analysis) != "null" {
		sum.Analysis = req.Analysis
	}

	err := h.store.SaveCallSummary(r.Context(), sum)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		server.WriteError(w, http.StatusConflict, "call summary already exists")
	case err != nil:
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "Failed to save call summary")
	default:
		server.WriteJSON(w, http.StatusCreated, sum)
	}
}

// handleVapiWebhook accepts vendor server messages and routes them to the
// live consultation that owns the call.
func (h *Handler) handleVapiWebhook(w http.ResponseWriter, r *http.Request) {
	if h.vapiSecret == "" {
		server.WriteError(w, http.StatusServiceUnavailable, "vapi webhooks are not configured")
		return
	}
	if !vapi.VerifySecret(r.Header.Get(vapi.SecretHeader), h.vapiSecret) {
		server.WriteError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	body, err := readBody(r)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := vapi.ParseServerMessage(body)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	server.AddLogField(r.Context(), "call_id", msg.CallID())
	server.AddLogField(r.Context(), "session_id", msg.SessionID())
	server.AddLogField(r.Context(), "message_type", msg.Type)

	routed := false
	if h.dispatcher != nil {
		routed = h.dispatcher.Dispatch(msg)
	}
	server.WriteJSON(w, http.StatusOK, map[string]bool{"received": true, "routed": routed})
}
