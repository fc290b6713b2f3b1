package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/carecall/internal/config"
	"github.com/tjfontaine/carecall/internal/storage"
)

// Option is a functional option for configuring a Runtime.
type Option func(*Runtime) error

// WithConfigFile loads configuration from path and watches it for changes.
// An empty path reads config.yaml when present and does not watch.
func WithConfigFile(path string) Option {
	return func(rt *Runtime) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		rt.cfg = cfg
		rt.configPath = path
		return nil
	}
}

// WithConfig uses an already loaded configuration. Nothing is watched.
func WithConfig(cfg *config.Config) Option {
	return func(rt *Runtime) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		rt.cfg = cfg
		return nil
	}
}

// WithStore overrides the store named by storage.driver. The runtime closes it
// on shutdown.
func WithStore(store storage.Store) Option {
	return func(rt *Runtime) error {
		rt.store = store
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) error {
		if logger != nil {
			rt.logger = logger
		}
		return nil
	}
}

// WithVendorHTTPClient sets the HTTP client used for the voice vendor API,
// the JWKS endpoint and handoff webhooks.
func WithVendorHTTPClient(client *http.Client) Option {
	return func(rt *Runtime) error {
		rt.httpClient = client
		return nil
	}
}
