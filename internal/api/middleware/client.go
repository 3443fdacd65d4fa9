package middleware

import "strings"

const clientsPathPrefix = "/api/v1/clients/"

// ClientFromPath returns the client ID of a /api/v1/clients/{clientId}/...
// path, or "" for any other path. Middleware runs before routing, so it cannot
// use Request.PathValue.
func ClientFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, clientsPathPrefix)
	if !ok {
		return ""
	}

	client, _, _ := strings.Cut(rest, "/")

	return client
}
