package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

type apiErrorResponse struct {
	Type  string      `json:"type"`
	Error apiErrorObj `json:"error"`
}

type apiErrorObj struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError renders an Anthropic-shaped error envelope. retryAfter is set
// on 429/529 responses from the pipeline's classification and, when
// positive, is surfaced as a Retry-After header.
func writeError(w http.ResponseWriter, status int, typ string, msg string, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorResponse{
		Type: "error",
		Error: apiErrorObj{
			Type:    typ,
			Message: msg,
		},
	})
}
