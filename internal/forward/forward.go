// Package forward pushes canonical alerts to the grouping sidecar
// (Alertmanager) alert intake.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/herald/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/herald/internal/forward")

// IntakePath is the Alertmanager v2 alert intake endpoint.
const IntakePath = "/api/v2/alerts"

var (
	// ErrRejected is returned when the sidecar answers with a non-2xx status.
	ErrRejected = errors.New("sidecar rejected alerts")

	// ErrInvalidLabels is returned when an alert carries a label the sidecar
	// would refuse.
	ErrInvalidLabels = errors.New("invalid alert labels")
)

// Config describes the sidecar endpoint.
type Config struct {
	// URL is the sidecar base URL, e.g. http://alertmanager:9093.
	URL string

	// HTTP carries auth and TLS settings for the sidecar client.
	HTTP config.HTTPClientConfig

	// Timeout bounds one push.
	Timeout time.Duration

	// UserAgent is sent with every push.
	UserAgent string
}

// Forwarder posts alerts to the sidecar. It never retries; a failed push is
// returned to the caller.
type Forwarder struct {
	endpoint  string
	userAgent string
	client    *http.Client
}

// New builds a Forwarder with a client derived from cfg.HTTP.
func New(cfg Config) (*Forwarder, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("forward: invalid sidecar url %q", cfg.URL)
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return nil, fmt.Errorf("forward: http config: %w", err)
	}

	client, err := config.NewClientFromConfig(cfg.HTTP, "herald_forward")
	if err != nil {
		return nil, fmt.Errorf("forward: build client: %w", err)
	}
	client.Transport = otelhttp.NewTransport(client.Transport)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = "herald"
	}
	return &Forwarder{
		endpoint:  base + IntakePath,
		userAgent: ua,
		client:    client,
	}, nil
}

// Name identifies the sidecar in API responses.
func (f *Forwarder) Name() string { return "alertmanager" }

// postableAlert is the sidecar's intake shape.
type postableAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartsAt    string            `json:"startsAt,omitempty"`
	EndsAt      string            `json:"endsAt,omitempty"`
}

// Push sends alerts as one JSON array. Any non-2xx response is an error
// wrapping ErrRejected.
func (f *Forwarder) Push(ctx context.Context, alerts []alert.Alert) error {
	ctx, span := tracer.Start(ctx, "forward.push", trace.WithAttributes(
		attribute.Int("herald.forward.alerts", len(alerts)),
	))
	defer span.End()

	err := f.push(ctx, alerts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (f *Forwarder) push(ctx context.Context, alerts []alert.Alert) error {
	payload := make([]postableAlert, 0, len(alerts))
	for i := range alerts {
		if err := ValidateLabels(alerts[i].Labels); err != nil {
			return fmt.Errorf("forward: alert %d: %w", i, err)
		}
		payload = append(payload, postableAlert{
			Labels:      alerts[i].Labels,
			Annotations: alerts[i].Annotations,
			StartsAt:    alerts[i].StartsAt,
			EndsAt:      alerts[i].EndsAt,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("forward: marshal alerts: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		return fmt.Errorf("forward: post alerts: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("forward: %w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ValidateLabels checks labels against the sidecar's label rules. An alert
// without labels is rejected as well.
func ValidateLabels(labels map[string]string) error {
	if len(labels) == 0 {
		return fmt.Errorf("%w: no labels", ErrInvalidLabels)
	}
	ls := make(model.LabelSet, len(labels))
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	if err := ls.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLabels, err)
	}
	return nil
}
