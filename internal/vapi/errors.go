package vapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx vendor response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vapi: %s (status %d)", e.Message, e.StatusCode)
}

// NotFound reports whether the vendor had no such resource.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// AsAPIError unwraps err to an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// parseError builds an APIError from a vendor error body. The vendor reports
// message either as a string or a list of validation strings.
func parseError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body}

	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var single string
		var many []string
		switch {
		case json.Unmarshal(payload.Message, &single) == nil && single != "":
			apiErr.Message = single
		case json.Unmarshal(payload.Message, &many) == nil && len(many) > 0:
			apiErr.Message = strings.Join(many, "; ")
		case payload.Error != "":
			apiErr.Message = payload.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
