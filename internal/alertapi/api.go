package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/authmw"
	"github.com/linnemanlabs/herald/internal/dispatch"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Dispatcher defines the dispatch operations alertapi needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, b *alert.Batch) dispatch.Report
	DispatchRaw(ctx context.Context, raw []byte) (dispatch.Report, error)
}

// Forwarder pushes ingested alerts to the grouping sidecar.
type Forwarder interface {
	Push(ctx context.Context, alerts []alert.Alert) error
	Name() string
}

// Hooks receive API callbacks. Nil fields are ignored.
type Hooks struct {
	OnIngest  func(endpoint, result string)
	OnForward func(result string)
}

// Config carries the API settings.
type Config struct {
	// Service is reported by /healthz.
	Service string

	// GatewayToken guards the ingest endpoints.
	GatewayToken string

	// WebhookToken guards the dispatch webhook.
	WebhookToken string

	Normalize alert.NormalizeOptions

	// Forwarder is optional. Without one, ingested alerts are dispatched
	// locally in the background.
	Forwarder Forwarder

	Hooks Hooks

	// Now defaults to time.Now.
	Now func() time.Time
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time

	// background tracks local dispatches started by ingest handlers.
	background sync.WaitGroup
}

// New creates a new API handler.
func New(logger log.Logger, d Dispatcher, cfg Config) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if d == nil {
		panic(xerrors.New("dispatcher is required"))
	}
	if cfg.Service == "" {
		cfg.Service = "herald"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &API{
		logger:     logger,
		dispatcher: d,
		cfg:        cfg,
		now:        now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(a.cfg.GatewayToken))
		r.Post("/", a.handleIngestEvent)
		r.Post("/ingest/v1/event", a.handleIngestEvent)
		r.Post("/ingest/v1/alerts", a.handleIngestAlerts)
	})

	r.With(authmw.BearerToken(a.cfg.WebhookToken)).
		Post("/dispatch/v1/alertmanager", a.handleDispatch)
}

// Wait blocks until every background dispatch has finished.
func (a *API) Wait() {
	a.background.Wait()
}

// Shutdown waits for background dispatches, giving up when ctx is done.
func (a *API) Shutdown(ctx context.Context) error {
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

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	target := "local"
	if a.cfg.Forwarder != nil {
		target = a.cfg.Forwarder.Name()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"service":     a.cfg.Service,
		"forwardedTo": target,
	})
}

func (a *API) ingested(endpoint, result string) {
	if a.cfg.Hooks.OnIngest != nil {
		a.cfg.Hooks.OnIngest(endpoint, result)
	}
}

func (a *API) forwarded(result string) {
	if a.cfg.Hooks.OnForward != nil {
		a.cfg.Hooks.OnForward(result)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
