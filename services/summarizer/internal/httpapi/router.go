// Package httpapi exposes the summarizer over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"reportd/services/summarizer/internal/model"
	"reportd/services/summarizer/internal/session"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"

	defaultRateLimit      = 60
	defaultRequestTimeout = 5 * time.Minute
)

// Sessions is the lifecycle the handlers drive.
type Sessions interface {
	Start(ctx context.Context, req session.Request) (*session.Result, error)
	Confirm(ctx context.Context, sessionID string) (bool, error)
	Status(sessionID string) (session.Snapshot, bool)
}

// History lists recorded transitions of a session.
type History interface {
	History(ctx context.Context, sessionID string) ([]model.Event, error)
}

// Linker presigns a fresh download URL for an uploaded archive.
type Linker interface {
	Link(ctx context.Context, key string) (string, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wire the handlers. History, Linker, Registry and Middleware are optional.
type Options struct {
	Sessions       Sessions
	History        History
	Linker         Linker
	Ready          []Pinger
	Mode           string
	RateLimit      int
	RequestTimeout time.Duration
	AllowedOrigins []string
	Registry       *prometheus.Registry
	Middleware     func(http.Handler) http.Handler
	// BaseContext parents background deliveries in async mode.
	BaseContext context.Context
	Logger      zerolog.Logger
}

// API holds the HTTP handlers.
type API struct {
	sessions Sessions
	history  History
	linker   Linker
	ready    []Pinger
	mode     string
	opts     Options
	base     context.Context
	logger   zerolog.Logger

	background sync.WaitGroup
}

func New(opts Options) (*API, error) {
	if opts.Sessions == nil {
		return nil, errors.New("sessions are required")
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeSync
	case ModeSync, ModeAsync:
	default:
		return nil, errors.New("unknown delivery mode " + opts.Mode)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &API{
		sessions: opts.Sessions,
		history:  opts.History,
		linker:   opts.Linker,
		ready:    opts.Ready,
		mode:     opts.Mode,
		opts:     opts,
		base:     base,
		logger:   opts.Logger.With().Str("component", "httpapi").Logger(),
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	if a.opts.Middleware != nil {
		r.Use(a.opts.Middleware)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Summarizer is live"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)

	registry := a.opts.Registry
	if registry == nil {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.opts.RateLimit, time.Minute))
		r.Use(middleware.Timeout(a.opts.RequestTimeout))

		r.Post("/start_summarizer", a.handleStart)
		r.Post("/confirm", a.handleConfirmBody)

		r.Route("/v1/sessions", func(r chi.Router) {
			r.Post("/", a.handleStart)
			r.Get("/{id}", a.handleStatus)
			r.Post("/{id}/confirm", a.handleConfirm)
			r.Get("/{id}/history", a.handleHistory)
			r.Get("/{id}/link", a.handleLink)
		})
	})

	return r
}

// Wait blocks until background deliveries started in async mode finish or ctx is done.
func (a *API) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	for _, p := range a.ready {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func sessionParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
