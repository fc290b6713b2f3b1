// Package testutil replays recorded voice vendor traffic in tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// Recording reports whether cassettes are being re-recorded against the
// live vendor (VCR_MODE=record).
func Recording() bool {
	return os.Getenv("VCR_MODE") == "record"
}

// CassetteClient returns an HTTP client backed by testdata/fixtures/<name>.yaml.
// The cassette is flushed when the test finishes.
func CassetteClient(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if Recording() {
		mode = recorder.ModeRecording
	}
	rec, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("open cassette %s: %v", name, err)
	}

	// Request bodies carry timestamps, so only method and URL are matched.
	rec.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})
	rec.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "Authorization")
		return nil
	})

	t.Cleanup(func() {
		if err := rec.Stop(); err != nil {
			t.Errorf("stop cassette %s: %v", name, err)
		}
	})
	return &http.Client{Transport: rec}
}

// VendorKey is the private key to send: the real one from env while
// recording, a placeholder on replay.
func VendorKey(env string) string {
	if v := os.Getenv(env); v != "" && Recording() {
		return v
	}
	return "test-key"
}
