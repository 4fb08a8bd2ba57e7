package utils

import (
	"encoding/json"
	"net/http"

	"capsuled/pkg/faults"
)

// JSONError writes a JSON error response with the given status code and
// message.
func JSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// JSONWrite writes the provided value as JSON with the given status code.
func JSONWrite(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}

// WriteFault maps a typed fault to its HTTP status and writes it.
func WriteFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindUnauthorized:
		status = http.StatusForbidden
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindInvalidArgument:
		status = http.StatusBadRequest
	case faults.KindInvalidState:
		status = http.StatusConflict
	case faults.KindResourceExhausted:
		status = http.StatusTooManyRequests
	case faults.KindIntegrity:
		status = http.StatusUnprocessableEntity
	case faults.KindConflict:
		status = http.StatusConflict
	}
	JSONError(w, status, err.Error())
}
