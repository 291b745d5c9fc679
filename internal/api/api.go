// Package api provides the HTTP server for AbeAI: the chat endpoint used by the web widget
// and the Twilio WhatsApp webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/BTreeMap/AbeAI/internal/coach"
	"github.com/BTreeMap/AbeAI/internal/genai"
	"github.com/BTreeMap/AbeAI/internal/rules"
	"github.com/BTreeMap/AbeAI/internal/store"
	"github.com/BTreeMap/AbeAI/internal/twiliowhatsapp"
)

// Default configuration values for the API server.
const (
	DefaultAddr            = ":8080"
	DefaultMaxBodyBytes    = 64 << 10
	DefaultRateLimitRPS    = 1.0
	DefaultRateLimitBurst  = 5
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultTurnTimeout bounds one chat turn, including completion retries.
	DefaultTurnTimeout     = 60 * time.Second
	DefaultGeoHeader       = "CF-IPCountry"
	TwilioWebhookPath      = "/twilio/whatsapp"
	limiterEvictionTick    = time.Minute
)

// Handler runs a chat turn. *coach.Coach implements it.
type Handler interface {
	Handle(ctx context.Context, in coach.Turn) *coach.Reply
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr                 string
	AllowedOrigins       []string
	MaxBodyBytes         int64
	RateLimitRPS         float64
	RateLimitBurst       int
	GeoHeader            string
	TurnTimeout          time.Duration
	RulesFile            string
	HistoryLimit         int
	FreeResponseLimit    int
	// PublicURL is the externally visible base URL, used to validate Twilio signatures.
	PublicURL            string
	// SkipTwilioValidation disables webhook signature checks (local testing only).
	SkipTwilioValidation bool
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins sets the CORS allow-list. An empty list or "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithMaxBodyBytes caps the request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) {
		if n > 0 {
			o.MaxBodyBytes = n
		}
	}
}

// WithRateLimit sets the per-client request rate. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Opts) {
		o.RateLimitRPS = rps
		o.RateLimitBurst = burst
	}
}

// WithGeoHeader sets the header carrying the caller's ISO country code.
func WithGeoHeader(name string) Option {
	return func(o *Opts) { o.GeoHeader = name }
}

// WithTurnTimeout bounds the time spent on one chat turn.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.TurnTimeout = d
		}
	}
}

// WithRulesFile replaces the embedded rule table.
func WithRulesFile(path string) Option {
	return func(o *Opts) { o.RulesFile = path }
}

// WithHistoryLimit bounds the stored conversation history per user.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithFreeResponseLimit overrides the free-tier threshold from the rule table.
func WithFreeResponseLimit(n int) Option {
	return func(o *Opts) { o.FreeResponseLimit = n }
}

// WithPublicURL sets the externally visible base URL of the server.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(u, "/") }
}

// WithSkipTwilioValidation disables Twilio signature validation.
func WithSkipTwilioValidation(skip bool) Option {
	return func(o *Opts) { o.SkipTwilioValidation = skip }
}

func defaultOpts() Opts {
	return Opts{
		Addr:           DefaultAddr,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		RateLimitRPS:   DefaultRateLimitRPS,
		RateLimitBurst: DefaultRateLimitBurst,
		GeoHeader:      DefaultGeoHeader,
		TurnTimeout:    DefaultTurnTimeout,
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	handler Handler
	opts    Opts
	limiter *clientLimiter

	// Twilio channel, nil when not configured.
	sender    twiliowhatsapp.Sender
	validator   *twiliowhatsapp.Validator
	dedup       store.DedupRepo
	undelivered *undeliveredReplies
}

// NewServer creates a Server that answers chat turns with h.
func NewServer(h Handler, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{handler: h, opts: cfg}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return s
}

// EnableTwilio mounts the WhatsApp webhook. validator may be nil when validation is skipped;
// dedup may be nil to handle every delivery.
func (s *Server) EnableTwilio(sender twiliowhatsapp.Sender, validator *twiliowhatsapp.Validator, dedup store.DedupRepo) {
	s.sender = sender
	s.validator = validator
	s.dedup = dedup
	s.undelivered = newUndeliveredReplies()
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(s.corsHandler().Handler)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.Post("/", s.chatHandler)
	r.Post("/chat", s.chatHandler)
	if s.sender != nil {
		r.Post(TwilioWebhookPath, s.twilioWebhookHandler)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(methodNotAllowed)
	return r
}

func (s *Server) corsHandler() *cors.Cors {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:       origins,
		AllowedMethods:       []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type"},
		AllowCredentials:     !containsWildcard(origins),
		OptionsSuccessStatus: http.StatusNoContent,
	})
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	slog.Warn("Server.methodNotAllowed: method not allowed", "method", r.Method, "path", r.URL.Path)
	w.Header().Set("Allow", http.MethodPost)
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// Run wires the store, completion client, rule table and optional Twilio channel, serves
// HTTP until SIGINT or SIGTERM, then shuts down gracefully.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, twilioOpts []twiliowhatsapp.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	r, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	if cfg.FreeResponseLimit > 0 {
		r = r.WithFreeResponseLimit(cfg.FreeResponseLimit)
	}

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Run: failed to close store", "error", err)
		}
	}()

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}

	var coachOpts []coach.Option
	if cfg.HistoryLimit > 0 {
		coachOpts = append(coachOpts, coach.WithHistoryLimit(cfg.HistoryLimit))
	}
	c := coach.New(st, r, gaClient, coachOpts...)
	srv := NewServer(c, apiOpts...)

	if twCfg := twiliowhatsapp.ResolveOpts(twilioOpts...); twCfg.Enabled() {
		sender, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var validator *twiliowhatsapp.Validator
		if !cfg.SkipTwilioValidation {
			if cfg.PublicURL == "" {
				return errors.New("a public URL is required to validate Twilio webhooks")
			}
			validator = twiliowhatsapp.NewValidator(twCfg.AuthToken)
		}
		dedup, _ := st.(store.DedupRepo)
		srv.EnableTwilio(sender, validator, dedup)
		slog.Info("Run: Twilio WhatsApp channel enabled", "path", TwilioWebhookPath, "signature_validation", validator != nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}

// ListenAndServe serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.opts.TurnTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.limiter != nil {
		go s.evictLimiter(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: AbeAI API listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.ListenAndServe: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	slog.Info("Server.ListenAndServe: shutdown complete")
	return nil
}

func (s *Server) evictLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterEvictionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.evict(); n > 0 {
				slog.Debug("Server.evictLimiter: dropped idle clients", "count", n)
			}
		}
	}
}
