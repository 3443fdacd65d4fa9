package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemTypeBase prefixes the RFC 7807 type URI of every problem response.
const ProblemTypeBase = "https://lakeside.dev/problems/"

// writeProblem writes an RFC 7807 problem response from inside a middleware,
// where the api package's ProblemDetail is out of reach.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) error {
	problem := map[string]any{
		"type":          fmt.Sprintf("%s%d", ProblemTypeBase, status),
		"title":         http.StatusText(status),
		"status":        status,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(problem)
}
