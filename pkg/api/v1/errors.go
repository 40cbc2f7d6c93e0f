package v1

import (
	"encoding/json"
	"net/http"

	"github.com/deechat/dmcp/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps a runtime error onto an HTTP status with a JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsConfigInvalid(err):
		status = http.StatusBadRequest
	case errors.IsAuth(err):
		status = http.StatusBadGateway
	case errors.IsTransportUnavailable(err), errors.IsProtocol(err):
		status = http.StatusBadGateway
	case errors.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errors.IsCanceled(err):
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
