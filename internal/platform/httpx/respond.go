// Package httpx provides JSON request/response helpers shared by the API
// handlers. Error payloads follow the RFC 7807 problem-detail shape.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ProblemDetail is the error response body. Field carries the offending
// request field for validation problems.
type ProblemDetail struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Field  string `json:"field,omitempty"`
}

// JSON writes data as a JSON response with the given status. The returned
// error reflects encoding failures after the header has been sent; callers
// can only log it.
func JSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// Problem writes a problem-detail response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	_ = JSON(w, status, ProblemDetail{Title: title, Status: status, Detail: detail})
}

// FieldProblem writes a problem-detail response naming the invalid field.
func FieldProblem(w http.ResponseWriter, status int, title, detail, field string) {
	_ = JSON(w, status, ProblemDetail{Title: title, Status: status, Detail: detail, Field: field})
}

// DecodeJSON decodes the request body into dest.
func DecodeJSON(r *http.Request, dest any) error {
	return json.NewDecoder(r.Body).Decode(dest)
}
