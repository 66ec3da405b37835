package testutil

import "net/http"

// WithAuthorization sets the Authorization header forwarded to the accounting server.
func WithAuthorization(req *http.Request, header string) *http.Request {
	req.Header.Set("Authorization", header)
	return req
}
