// Package httputil is the JSON request/response vocabulary of the API
// handlers: one error envelope, status-named helpers, and body decoding
// with an optional size cap for attachment-bearing routes. Handlers never
// touch http.ResponseWriter directly, so every endpoint formats errors and
// rate-limit headers the same way.
package httputil
