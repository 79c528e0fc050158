package alertapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/forward"
)

const (
	endpointEvent    = "event"
	endpointAlerts   = "alerts"
	endpointDispatch = "dispatch"
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func (a *API) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.ingested(endpointEvent, "invalid")
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil || probe == nil {
		a.ingested(endpointEvent, "invalid")
		writeError(w, http.StatusBadRequest, "body must be an object")
		return
	}

	var ev alert.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		a.ingested(endpointEvent, "invalid")
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	if err := ev.Validate(); err != nil {
		a.ingested(endpointEvent, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	al := alert.Normalize(&ev, a.cfg.Normalize, a.now())

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("herald.alert.source", al.Labels[alert.LabelSource]),
		attribute.String("herald.alert.severity", al.Labels[alert.LabelSeverity]),
	)

	a.accept(w, r, endpointEvent, &alert.Batch{
		Status: ev.EventStatus(),
		Alerts: []alert.Alert{al},
	})
}

func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.ingested(endpointAlerts, "invalid")
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	b, err := decodeAlerts(body)
	if err != nil {
		a.ingested(endpointAlerts, "invalid")
		writeError(w, http.StatusBadRequest, "body must be an alerts array or an object with alerts[]")
		return
	}
	if b.Status == "" {
		b.Status = alert.StatusFiring
	}
	b.Status = alert.NormalizeStatus(string(b.Status))

	a.accept(w, r, endpointAlerts, b)
}

// decodeAlerts accepts a bare alerts array or a webhook-shaped object.
func decodeAlerts(body []byte) (*alert.Batch, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		wrapped := make([]byte, 0, len(trimmed)+12)
		wrapped = append(wrapped, `{"alerts":`...)
		wrapped = append(wrapped, trimmed...)
		wrapped = append(wrapped, '}')
		return alert.DecodeBatch(wrapped)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, alert.ErrInvalidBatch
	}
	return alert.DecodeBatch(trimmed)
}

// accept hands b to the sidecar, or dispatches it locally in the background
// when no sidecar is configured.
func (a *API) accept(w http.ResponseWriter, r *http.Request, endpoint string, b *alert.Batch) {
	ctx := r.Context()

	if fw := a.cfg.Forwarder; fw != nil {
		if err := fw.Push(ctx, b.Alerts); err != nil {
			a.forwarded("error")
			if errors.Is(err, forward.ErrInvalidLabels) {
				a.ingested(endpoint, "invalid")
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			a.ingested(endpoint, "forward_failed")
			a.logger.Error(ctx, err, "sidecar forward failed", "endpoint", endpoint, "alerts", len(b.Alerts))
			writeError(w, http.StatusBadGateway, "forward to "+fw.Name()+" failed")
			return
		}
		a.forwarded("ok")
		a.ingested(endpoint, "accepted")
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(b.Alerts), "forwardedTo": fw.Name()})
		return
	}

	// Malformed elements are dispatched locally and reported as failures.
	accepted := len(b.Alerts) + b.Malformed
	a.background.Add(1)
	go func(ctx context.Context) {
		defer a.background.Done()
		rep := a.dispatcher.Dispatch(ctx, b)
		a.logger.Info(ctx, "background dispatch finished",
			"endpoint", endpoint,
			"dispatch_id", rep.ID,
			"sent", rep.Sent,
			"skipped", rep.Skipped,
			"failed", rep.Failed,
		)
	}(context.WithoutCancel(ctx))

	a.ingested(endpoint, "accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted, "forwardedTo": "local"})
}
