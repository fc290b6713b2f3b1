package vapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_GetCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/call/019c1f8a-0cc3-7002-9f51-e1d40b86e676" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"019c1f8a-0cc3-7002-9f51-e1d40b86e676","status":"ended","summary":"ok","extra":"kept"}`))
	}))
	defer server.Close()

	c := NewClient("secret", WithBaseURL(server.URL+"/"), WithHTTPClient(server.Client()))
	call, err := c.GetCall(context.Background(), "019c1f8a-0cc3-7002-9f51-e1d40b86e676")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if call.Status != "ended" || call.Summary != "ok" {
		t.Errorf("unexpected call: %+v", call)
	}

	var raw map[string]any
	if err := json.Unmarshal(call.RawBody, &raw); err != nil {
		t.Fatalf("RawBody is not JSON: %v", err)
	}
	if raw["extra"] != "kept" {
		t.Errorf("RawBody lost unmodelled fields: %s", call.RawBody)
	}
}

func TestClient_ListCallsQuery(t *testing.T) {
	before := time.Date(2025, 6, 1, 9, 40, 2, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "100" {
			t.Errorf("limit = %q, want capped 100", q.Get("limit"))
		}
		if q.Get("createdAtLt") != "2025-06-01T09:40:02Z" {
			t.Errorf("createdAtLt = %q", q.Get("createdAtLt"))
		}
		w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	}))
	defer server.Close()

	c := NewClient("secret", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	calls, err := c.ListCalls(context.Background(), ListCallsParams{Limit: 500, CreatedBefore: before})
	if err != nil {
		t.Fatalf("ListCalls() error = %v", err)
	}
	if len(calls) != 2 || calls[1].ID != "b" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}

func TestClient_ListCallsDefaultLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %q, want 20", got)
		}
		if r.URL.Query().Has("createdAtLt") {
			t.Error("createdAtLt should be omitted for the first page")
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := NewClient("secret", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	if _, err := c.ListCalls(context.Background(), ListCallsParams{}); err != nil {
		t.Fatalf("ListCalls() error = %v", err)
	}
}

func TestClient_CreateWebCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/call/web" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req WebCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.AssistantID != "asst-1" {
			t.Errorf("assistantId = %q", req.AssistantID)
		}
		if req.Metadata["session_id"] != "s-1" {
			t.Errorf("metadata = %v", req.Metadata)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"c-1","webCallUrl":"https://vapi.daily.co/xyz","monitor":{"controlUrl":"https://phone.vapi.ai/c-1/control"}}`))
	}))
	defer server.Close()

	c := NewClient("secret", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	call, err := c.CreateWebCall(context.Background(), &WebCallRequest{
		AssistantID: "asst-1",
		Metadata:    map[string]string{"session_id": "s-1"},
	})
	if err != nil {
		t.Fatalf("CreateWebCall() error = %v", err)
	}
	if call.WebCallURL != "https://vapi.daily.co/xyz" {
		t.Errorf("WebCallURL = %q", call.WebCallURL)
	}
	if call.Monitor == nil || call.Monitor.ControlURL != "https://phone.vapi.ai/c-1/control" {
		t.Errorf("Monitor = %+v", call.Monitor)
	}
}

func TestClient_CreateWebCallRequiresAssistant(t *testing.T) {
	c := NewClient("secret")
	if _, err := c.CreateWebCall(context.Background(), &WebCallRequest{}); err == nil {
		t.Fatal("expected error for missing assistant id")
	}
}

func TestClient_EndCall(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("control url requests must not carry the private key")
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient("secret", WithHTTPClient(server.Client()))
	if err := c.EndCall(context.Background(), server.URL+"/control"); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	if gotBody != `{"type":"end-call"}` {
		t.Errorf("body = %s", gotBody)
	}

	if err := c.EndCall(context.Background(), ""); err == nil {
		t.Error("expected error for empty control url")
	}
}

func TestClient_APIErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"string message", http.StatusNotFound, `{"message":"Call Not Found.","statusCode":404}`, "Call Not Found."},
		{"list message", http.StatusBadRequest, `{"message":["limit must be a number","limit must not be greater than 1000"]}`, "limit must be a number; limit must not be greater than 1000"},
		{"error field", http.StatusUnauthorized, `{"error":"Unauthorized"}`, "Unauthorized"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient("secret", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
			_, err := c.GetCall(context.Background(), "x")

			apiErr, ok := AsAPIError(err)
			if !ok {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMessage)
			}
		})
	}
}

func TestClient_MissingAPIKey(t *testing.T) {
	c := NewClient("")
	if c.HasAPIKey() {
		t.Error("HasAPIKey() = true")
	}
	if _, err := c.GetCall(context.Background(), "x"); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("error = %v, want ErrMissingAPIKey", err)
	}
}
