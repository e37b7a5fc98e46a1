package api

import (
	"encoding/json"
	"net/http"
)

const CodeOK = 1000

// Response is the envelope every service in the platform answers with.
type Response[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Result  T      `json:"result,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func OK[T any](w http.ResponseWriter, result T) {
	WriteJSON(w, http.StatusOK, Response[T]{Code: CodeOK, Result: result})
}

func Error(w http.ResponseWriter, status, code int, message string) {
	WriteJSON(w, status, Response[any]{Code: code, Message: message})
}
