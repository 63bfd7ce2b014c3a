package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"shipcover/insurance/fault"
)

type errorBody struct {
	Kind   fault.Kind        `json:"kind"`
	Detail string            `json:"detail"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// statusFor maps a fault kind onto the HTTP status returned to clients.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindConfiguration, fault.KindInvalidRequest:
		return http.StatusBadRequest
	case fault.KindUnauthorized:
		return http.StatusUnauthorized
	case fault.KindNotFound, fault.KindEscrowNotFound:
		return http.StatusNotFound
	case fault.KindAlreadyTerminal:
		return http.StatusConflict
	case fault.KindTransactionRejected, fault.KindConditionMismatch, fault.KindWindowClosed, fault.KindWindowNotOpen:
		return http.StatusUnprocessableEntity
	case fault.KindPartialEscrowFailure, fault.KindReconciliationRequired:
		return http.StatusBadGateway
	case fault.KindNetworkUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, detail, attrs := fault.Describe(err)
	status := statusFor(kind)
	log := s.logger.With(
		slog.String("path", r.URL.Path),
		slog.String("kind", string(kind)),
		slog.Int("status", status),
		slog.Any("error", err),
	)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Warn("request rejected")
	}
	if kind == fault.KindInternal {
		// Internal errors may carry driver text; keep it in the log only.
		detail = http.StatusText(status)
		attrs = nil
	}
	writeJSON(w, status, map[string]errorBody{"error": {Kind: kind, Detail: detail, Attrs: attrs}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
