package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// ErrorResponse is the JSON body written for every error.
type ErrorResponse struct {
	Error            string         `json:"error"`
	ErrorDescription string         `json:"error_description,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err using its domain code. Server-side failures never
// leak their message to the client.
func WriteError(w http.ResponseWriter, err error) {
	de, ok := dErrors.As(err)
	if !ok {
		de = dErrors.New(dErrors.CodeInternal, "internal error")
	}

	status := de.Code.HTTPStatus()
	resp := ErrorResponse{Error: string(de.Code)}
	if status < http.StatusInternalServerError || de.Code.Retryable() {
		resp.ErrorDescription = de.Message
		resp.Details = de.Details
	}
	if de.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(de.RetryAfter)))
	}
	WriteJSON(w, status, resp)
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid JSON body")
	}
	return nil
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
