package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/dispatch"
)

type dispatchResponse struct {
	OK bool `json:"ok"`
	dispatch.Report
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.ingested(endpointDispatch, "invalid")
		writeError(w, http.StatusBadRequest, "invalid alertmanager payload")
		return
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil || probe == nil {
		a.ingested(endpointDispatch, "invalid")
		writeError(w, http.StatusBadRequest, "invalid alertmanager payload")
		return
	}

	rep, err := a.dispatcher.DispatchRaw(r.Context(), body)
	if err != nil {
		if errors.Is(err, alert.ErrInvalidBatch) {
			a.ingested(endpointDispatch, "invalid")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.ingested(endpointDispatch, "error")
		a.logger.Error(r.Context(), err, "dispatch failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("herald.dispatch.id", rep.ID))

	a.ingested(endpointDispatch, "ok")
	writeJSON(w, http.StatusOK, dispatchResponse{OK: true, Report: rep})
}
