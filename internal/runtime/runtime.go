// Package runtime assembles the carecall service from its configuration and
// manages its lifecycle.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/carecall/internal/api"
	"github.com/tjfontaine/carecall/internal/auth"
	"github.com/tjfontaine/carecall/internal/callid"
	"github.com/tjfontaine/carecall/internal/config"
	"github.com/tjfontaine/carecall/internal/consult"
	"github.com/tjfontaine/carecall/internal/handoff"
	"github.com/tjfontaine/carecall/internal/identity"
	"github.com/tjfontaine/carecall/internal/server"
	"github.com/tjfontaine/carecall/internal/storage"
	"github.com/tjfontaine/carecall/internal/storage/memory"
	"github.com/tjfontaine/carecall/internal/storage/sqldb"
	"github.com/tjfontaine/carecall/internal/vapi"
)

// Runtime owns the HTTP server, the consultation manager and the store.
type Runtime struct {
	// Dependencies (injected via options)
	cfg        *config.Config
	configPath string
	store      storage.Store
	httpClient *http.Client
	logger     *slog.Logger

	// Built from the configuration
	manager *consult.Manager
	cors    *server.CORS
	server  *server.Server

	// Lifecycle management
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	addr     net.Addr
	serveErr chan error
}

// New builds a Runtime. Without WithConfig or WithConfigFile the default
// config file and environment are used.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if rt.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		rt.cfg = cfg
	}

	if rt.store == nil {
		store, err := OpenStore(rt.cfg.Storage)
		if err != nil {
			return nil, err
		}
		rt.store = store
	}

	if err := rt.build(); err != nil {
		rt.store.Close()
		return nil, err
	}
	return rt, nil
}

// OpenStore opens the configured store. SQL stores are migrated on open.
func OpenStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Driver == "memory" {
		return memory.New(), nil
	}
	store, err := sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

func (rt *Runtime) build() error {
	cfg := rt.cfg

	vapiOpts := []vapi.ClientOption{vapi.WithBaseURL(cfg.Vapi.BaseURL)}
	if rt.httpClient != nil {
		vapiOpts = append(vapiOpts, vapi.WithHTTPClient(rt.httpClient))
	}
	client := vapi.NewClient(cfg.Vapi.PrivateKey, vapiOpts...)
	if !client.HasAPIKey() {
		rt.logger.Warn("vapi.private_key is not set, voice consultations are disabled")
	}
	if cfg.Vapi.WebhookSecret == "" {
		rt.logger.Warn("vapi.webhook_secret is not set, vendor webhooks will answer 503")
	}

	validator, err := callid.NewValidator(cfg.Consult.CallIDVersions...)
	if err != nil {
		return fmt.Errorf("call id validator: %w", err)
	}

	// A nil *auth.Verifier must not reach the middleware as a non-nil interface.
	var verifier server.TokenVerifier
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		JWKSURL:    cfg.Auth.JWKSURL,
		SigningKey: []byte(cfg.Auth.SigningKey),
		CacheTTL:   cfg.Auth.JWKSCacheTTL,
		HTTPClient: rt.httpClient,
	}
	if jwtCfg.Enabled() {
		v, err := auth.NewVerifier(jwtCfg)
		if err != nil {
			return fmt.Errorf("token verifier: %w", err)
		}
		verifier = v
	} else {
		rt.logger.Warn("auth is not configured, user endpoints will answer 503")
	}
	keys := auth.NewKeyAuthenticator(cfg.Auth.AdminKeys)

	var idv *identity.Verifier
	if cfg.Identity.WebhookSecret != "" {
		idv, err = identity.NewVerifier(cfg.Identity.WebhookSecret)
		if err != nil {
			return fmt.Errorf("identity webhook verifier: %w", err)
		}
	}

	sinks := make([]handoff.Sink, 0, len(cfg.Handoff.Sinks))
	for _, s := range cfg.Handoff.Sinks {
		sinks = append(sinks, handoff.NewWebhookSink(handoff.WebhookConfig{
			Name:         s.Name,
			URL:          s.URL,
			Timeout:      s.Timeout,
			OnError:      handoff.OnError(s.OnError),
			Retries:      s.Retries,
			Headers:      s.Headers,
			BlockPrivate: s.BlockPrivate,
			Client:       rt.httpClient,
		}))
	}

	settings, err := settingsFrom(cfg)
	if err != nil {
		return err
	}
	rt.manager = consult.NewManager(consult.Options{
		Client:    client,
		Store:     rt.store,
		Handoff:   handoff.NewDispatcher(rt.logger, sinks...),
		Validator: validator,
		Logger:    rt.logger,
		Settings:  settings,
	})

	rt.cors = server.NewCORS(cfg.Server.CORSOrigins)
	rt.server = server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORS:           rt.cors,
		ServiceName:    cfg.Telemetry.ServiceName,
	}, rt.logger)

	requireUser := server.RequireUser(verifier)
	rt.server.Router.Route("/api/consultations", func(r chi.Router) {
		r.Use(requireUser)
		consult.NewHandler(rt.manager, rt.store, rt.cors.Allowed, rt.logger).Routes(r)
	})

	guards := api.Guards{
		User:        requireUser,
		UserOrAdmin: server.RequireUserOrAdmin(verifier, keys),
		Admin:       server.RequireAdmin(keys),
	}
	if cfg.Server.RateLimit.PerMinute > 0 {
		guards.RateLimit = server.NewRateLimiter(cfg.Server.RateLimit.PerMinute, cfg.Server.RateLimit.Burst).Middleware
	}
	api.New(api.Options{
		Store:         rt.store,
		Vapi:          client,
		Dispatcher:    rt.manager.Dispatcher(),
		VapiSecret:    cfg.Vapi.WebhookSecret,
		Identity:      idv,
		Validator:     validator,
		Consultations: rt.manager,
		Logger:        rt.logger,
	}).Routes(rt.server.Router, guards)

	return nil
}

// settingsFrom extracts the reloadable consultation settings.
func settingsFrom(cfg *config.Config) (consult.Settings, error) {
	s := consult.Settings{
		AssistantID:    cfg.Vapi.AssistantID,
		ConnectTimeout: cfg.Vapi.ConnectTimeout,
		Retention:      cfg.Consult.Retention,
		SummaryPath:    cfg.Consult.SummaryPath,
	}
	plan := cfg.Vapi.AnalysisPlan
	if plan.SummaryPrompt != "" || plan.StructuredDataPrompt != "" || plan.StructuredDataSchema != "" {
		s.AnalysisPlan = &vapi.AnalysisPlan{
			SummaryPrompt:        plan.SummaryPrompt,
			StructuredDataPrompt: plan.StructuredDataPrompt,
		}
		if plan.StructuredDataSchema != "" {
			if !json.Valid([]byte(plan.StructuredDataSchema)) {
				return s, errors.New("vapi.analysis_plan.structured_data_schema is not valid JSON")
			}
			s.AnalysisPlan.StructuredDataSchema = json.RawMessage(plan.StructuredDataSchema)
		}
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (rt *Runtime) Handler() http.Handler {
	return rt.server.Router
}

// Manager returns the consultation manager.
func (rt *Runtime) Manager() *consult.Manager {
	return rt.manager
}

// Start begins serving on the configured port.
func (rt *Runtime) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return rt.Serve(ctx, ln)
}

// Serve runs background work and serves HTTP on ln. It returns once the
// server is accepting connections; use Err to observe a failed server.
func (rt *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.ctx != nil {
		ln.Close()
		return errors.New("runtime already started")
	}
	rt.ctx, rt.cancel = context.WithCancel(ctx)
	rt.addr = ln.Addr()

	go rt.manager.Run(rt.ctx)

	if rt.configPath != "" {
		w, err := config.NewWatcher(rt.configPath, rt.logger)
		if err == nil {
			err = w.Watch(rt.ctx, rt.reload)
		}
		if err != nil {
			rt.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}

	rt.serveErr = make(chan error, 1)
	go func() {
		rt.serveErr <- rt.server.Serve(ln)
	}()

	rt.logger.Info("carecall started",
		slog.String("addr", rt.addr.String()),
		slog.String("storage", rt.cfg.Storage.Driver),
		slog.Int("handoff_sinks", len(rt.cfg.Handoff.Sinks)))
	return nil
}

// Addr is the address being served, or nil before Serve.
func (rt *Runtime) Addr() net.Addr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.addr
}

// Err delivers the server's exit error. It is nil before Serve.
func (rt *Runtime) Err() <-chan error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.serveErr
}

// reload applies the settings that can change without a restart.
func (rt *Runtime) reload(cfg *config.Config) {
	settings, err := settingsFrom(cfg)
	if err != nil {
		rt.logger.Error("failed to reload", slog.String("error", err.Error()))
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.cors.SetOrigins(cfg.Server.CORSOrigins)
	rt.manager.UpdateSettings(settings)
	if cfg.Server.Port != rt.cfg.Server.Port || cfg.Storage != rt.cfg.Storage {
		rt.logger.Warn("server and storage changes take effect after a restart")
	}
	rt.cfg = cfg

	rt.logger.Info("reload complete",
		slog.Int("cors_origins", len(cfg.Server.CORSOrigins)),
		slog.String("assistant_id", settings.AssistantID))
}

// Shutdown ends live consultations, stops the server and closes the store.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.logger.Info("shutting down carecall")

	if rt.cancel != nil {
		rt.cancel()
	}

	rt.manager.Close(ctx)

	var errs []error
	if rt.addr != nil {
		if err := rt.server.Shutdown(ctx); err != nil {
			rt.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := rt.store.Close(); err != nil {
		rt.logger.Error("failed to close storage", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	rt.logger.Info("carecall shutdown complete")
	return errors.Join(errs...)
}
