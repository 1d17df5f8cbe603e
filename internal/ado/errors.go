package ado

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrExternalCall matches every failed call to Azure DevOps.
var ErrExternalCall = errors.New("external call failed")

// APIError is a non-success HTTP response from Azure DevOps.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: API error %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Is lets errors.Is(err, ErrExternalCall) match any APIError.
func (e *APIError) Is(target error) bool {
	return target == ErrExternalCall
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// transportError wraps network failures so they also match ErrExternalCall.
type transportError struct {
	method string
	path   string
	err    error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%s %s: request failed: %v", e.method, e.path, e.err)
}

func (e *transportError) Unwrap() []error {
	return []error{ErrExternalCall, e.err}
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
