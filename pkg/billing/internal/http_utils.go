package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrPayloadTooLarge is returned when the request body exceeds the size limit
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrEmptyBody is returned when the request carries no payload
	ErrEmptyBody = errors.New("empty body")
)

// Webhook rejection reasons, used as metric labels.
const (
	RejectMethod        = "method_not_allowed"
	RejectTooLarge      = "payload_too_large"
	RejectInvalidBody   = "invalid_payload"
	RejectAuthFailed    = "auth_failed"
	RejectNotConfigured = "not_configured"
	RejectProcessing    = "processing_error"
)

// AcceptWebhook runs the checks every provider webhook shares: no-store
// headers, POST only, and a bounded non-empty body. On failure it writes
// the error response, reports the reason and returns ok=false.
func AcceptWebhook(w http.ResponseWriter, r *http.Request, limit int64, reject func(reason string)) ([]byte, bool) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		reject(RejectMethod)
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}

	body, err := ReadBodyStrict(w, r, limit)
	if err != nil {
		code := BodyStatus(err)
		if code == http.StatusRequestEntityTooLarge {
			reject(RejectTooLarge)
		} else {
			reject(RejectInvalidBody)
		}
		WriteError(w, code, err.Error())
		return nil, false
	}
	return body, true
}

// ReadBodyStrict reads at most limit bytes of the request body and rejects
// empty bodies.
func ReadBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

// BodyStatus maps a ReadBodyStrict error to an HTTP status code.
func BodyStatus(err error) int {
	if errors.Is(err, ErrPayloadTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// WriteJSON writes a JSON response with proper headers
func WriteJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error body of the form {"error": msg}.
func WriteError(w http.ResponseWriter, code int, msg string) {
	_ = WriteJSON(w, code, map[string]string{"error": msg})
}
