// Package response renders the gateway's JSON:API documents. Locally
// produced bodies (health, errors) go through here; proxied payloads are
// relayed untouched.
package response

import (
	"encoding/json"
	"net/http"
)

// ContentType is sent on every response, relayed ones included: workers
// answer with JSON:API bodies by contract.
const ContentType = "application/vnd.api+json"

type StatusesDocument struct {
	Data StatusesData `json:"data"`
}

type StatusesData struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Attributes StatusAttributes `json:"attributes"`
}

type StatusAttributes struct {
	Name string `json:"name"`
}

type ErrorsDocument struct {
	Errors []ErrorObject `json:"errors"`
}

type ErrorObject struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Success is the body of the local health endpoint.
func Success() StatusesDocument {
	return StatusesDocument{
		Data: StatusesData{
			ID:         "1",
			Type:       "statuses",
			Attributes: StatusAttributes{Name: "success"},
		},
	}
}

// JSON writes v as a JSON:API document.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a single-error JSON:API errors document.
func Error(w http.ResponseWriter, status int, code, title, detail string) {
	JSON(w, status, ErrorsDocument{
		Errors: []ErrorObject{{Code: code, Title: title, Detail: detail}},
	})
}

// Raw relays a worker payload byte for byte.
func Raw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
