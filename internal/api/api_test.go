package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/carecall/internal/auth"
	"github.com/tjfontaine/carecall/internal/storage/memory"
	"github.com/tjfontaine/carecall/internal/vapi"
)

const (
	testCallID  = "019c1f8a-0cc3-7002-9f51-e1d40b86e676"
	otherCallID = "019c1f8a-0cc3-7002-9f51-e1d40b86e677"
	testUser    = "user_2abc"
)

// fakeVapi serves the subset of the vendor REST API the handlers call.
type fakeVapi struct {
	*httptest.Server

	mu        sync.Mutex
	calls     map[string]map[string]any
	listQuery string
	list      []map[string]any
}

func newFakeVapi(t *testing.T) *fakeVapi {
	t.Helper()
	f := &fakeVapi{calls: map[string]map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /call/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		call, ok := f.calls[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Couldn't Get Call. Call Not Found.","error":"Not Found","statusCode":404}`))
			return
		}
		json.NewEncoder(w).Encode(call)
	})
	mux.HandleFunc("GET /call", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listQuery = r.URL.RawQuery
		list := f.list
		f.mu.Unlock()
		json.NewEncoder(w).Encode(list)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeVapi) addCall(call map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call["id"].(string)] = call
}

type testEnv struct {
	store  *memory.Store
	vapi   *fakeVapi
	router *chi.Mux
	h      *Handler
}

// withUser authenticates every request as the X-Test-User header value.
func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), user)))
	})
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{store: memory.New(), vapi: newFakeVapi(t)}
	opts := Options{
		Store:  env.store,
		Vapi:   vapi.NewClient("test-key", vapi.WithBaseURL(env.vapi.URL), vapi.WithHTTPClient(env.vapi.Client())),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.h = New(opts)
	env.h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	env.router = chi.NewRouter()
	env.h.Routes(env.router, Guards{User: withUser, UserOrAdmin: withUser})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func userHeader(id string) http.Header {
	return http.Header{"X-Test-User": []string{id}}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["message"] != "BACKEND API IS RUNNING" {
		t.Errorf("message = %q", got["message"])
	}
	if got["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", got["timestamp"])
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["error"] != "Route not found" || got["method"] != "GET" || got["path"] != "/api/nope" {
		t.Errorf("body = %v", got)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Consultations = fixedLen(3) })
	rec := env.do(t, http.MethodGet, "/api/admin/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := decode[StatsResponse](t, rec)
	if stats.Consultations != 3 || stats.GoVersion == "" || stats.NumGoroutine == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

type fixedLen int

func (n fixedLen) Len() int { return int(n) }

func TestRoutesApplyGuards(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/calls/" + testCallID, "/api/vapi/call/" + testCallID, "/api/vapi/calls"} {
		rec := env.do(t, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/user/sync", map[string]string{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("sync status = %d, want 401", rec.Code)
	}
}

func TestRateLimitGuard(t *testing.T) {
	env := newTestEnv(t, nil)
	env.router = chi.NewRouter()
	blocked := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	env.h.Routes(env.router, Guards{RateLimit: blocked})

	for _, path := range []string{"/api/contact", "/api/newsletter"} {
		if rec := env.do(t, http.MethodPost, path, map[string]string{}, nil); rec.Code != http.StatusTooManyRequests {
			t.Errorf("POST %s status = %d, want 429", path, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var v map[string]any
	if err := decodeJSON(req, &v); err != errEmptyBody {
		t.Errorf("empty body error = %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	if err := decodeJSON(req, &v); err == nil {
		t.Error("expected error for truncated JSON")
	}
}
