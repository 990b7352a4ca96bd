/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError is returned when a media or messaging server answers an HTTP
// request (a media negotiation or a websocket upgrade) with a non-success
// status. The specific sub-types embed it, so errors.As(err, &httpErr)
// reaches the common fields.
type HTTPError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "404 Not Found").
	Status string

	// Message is the error message from the response body.
	Message string

	// RetryAfter is parsed from the Retry-After header. Zero if absent.
	RetryAfter time.Duration

	// RawBody is the raw response body.
	RawBody []byte
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("HTTP error: %d", e.StatusCode)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

// AuthError is returned for 401 and 403 responses, usually a rejected token.
type AuthError struct {
	*HTTPError
}

// Unwrap returns the underlying HTTPError for errors.As traversal.
func (e *AuthError) Unwrap() error { return e.HTTPError }

// NotFoundError is returned for 404 responses.
type NotFoundError struct {
	*HTTPError
}

// Unwrap returns the underlying HTTPError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.HTTPError }

// RateLimitError is returned for 429 responses. RetryAfter says how long to wait.
type RateLimitError struct {
	*HTTPError
}

// Unwrap returns the underlying HTTPError for errors.As traversal.
func (e *RateLimitError) Unwrap() error { return e.HTTPError }

// ServerError is returned for 5xx responses.
type ServerError struct {
	*HTTPError
}

// Unwrap returns the underlying HTTPError for errors.As traversal.
func (e *ServerError) Unwrap() error { return e.HTTPError }

type httpErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewHTTPError builds the error sub-type matching resp.StatusCode. A JSON
// body with a "message" or "error" field fills Message; a short plain-text
// body is used as is.
func NewHTTPError(resp *http.Response, body []byte) error {
	base := &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	if len(body) > 0 {
		var parsed httpErrorBody
		if err := json.Unmarshal(body, &parsed); err == nil {
			base.Message = parsed.Message
			if base.Message == "" {
				base.Message = parsed.Error
			}
		} else if text := strings.TrimSpace(string(body)); len(text) <= 200 {
			base.Message = text
		}
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			base.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &AuthError{HTTPError: base}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{HTTPError: base}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{HTTPError: base}
	case resp.StatusCode >= 500:
		return &ServerError{HTTPError: base}
	default:
		return base
	}
}

// IsAuthError reports whether err is a 401/403 error.
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a 404 error.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsRateLimited reports whether err is a 429 error.
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a 5xx error.
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}

// RetryAfter returns the wait requested by a 429 or 5xx response, or zero.
func RetryAfter(err error) time.Duration {
	if !IsRateLimited(err) && !IsServerError(err) {
		return 0
	}
	var e *HTTPError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
