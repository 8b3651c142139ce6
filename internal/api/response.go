package api

import (
	"encoding/json"
	"net/http"
)

// Every error leaving the API, owner-facing or worker-facing, uses the
// same `{"error": "..."}` envelope. Workers key off the status code
// alone; the message is for humans.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
