package api

import (
	"errors"
	"log/slog"
	"net/http"

	"lazybatch/internal/fetchplan"
	"lazybatch/internal/logging"
	"lazybatch/internal/resolver"
	"lazybatch/internal/schema"
)

type errorBody struct {
	Error       string `json:"error"`
	Association string `json:"association,omitempty"`
}

// statusFor maps an error to its HTTP status and a message that is safe to
// return to the client.
func statusFor(err error) (int, errorBody) {
	var reqErr *requestError
	var planErr *fetchplan.InvalidPlanError
	var batchErr *resolver.BatchFetchError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, errorBody{Error: reqErr.Error()}
	case errors.As(err, &planErr):
		return http.StatusBadRequest, errorBody{Error: planErr.Error()}
	case errors.Is(err, schema.ErrUnknownType), errors.Is(err, resolver.ErrUnknownAssociation):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.As(err, &batchErr):
		return http.StatusBadGateway, errorBody{Error: "association batch fetch failed", Association: batchErr.Association}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("load failed", slog.Int("status", status), slog.String("error", err.Error()))
	} else {
		logger.Debug("rejected load request", slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}
