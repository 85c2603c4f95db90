package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIErrorDetail is one entry of the panel's {"errors":[...]} body.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// Error describes a failed panel call.
type Error struct {
	Op         string
	StatusCode int
	Details    []APIErrorDetail
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("panel: ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, ": %s", e.Details[0].Code)
		if e.Details[0].Detail != "" {
			fmt.Fprintf(&b, " (%s)", e.Details[0].Detail)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newStatusError(status int, body []byte) *Error {
	e := &Error{Op: "create server", StatusCode: status}
	var env struct {
		Errors []APIErrorDetail `json:"errors"`
	}
	if json.Unmarshal(body, &env) == nil {
		e.Details = env.Errors
	}
	return e
}

// IsTimeout reports whether the call hit its deadline.
func IsTimeout(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Timeout
}

// IsServerError reports a 5xx answer from the panel.
func IsServerError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode >= 500
}

// IsValidation reports a 422 answer, which the panel uses for rejected attributes.
func IsValidation(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusUnprocessableEntity
}

// Reason classifies a failure for logs and metric labels. It does not
// influence retries.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsTimeout(err):
		return "timeout"
	case IsServerError(err):
		return "server_error"
	case IsValidation(err):
		return "validation"
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case pe.StatusCode >= 400:
			return "client_error"
		case pe.StatusCode != 0:
			return "malformed_response"
		}
	}
	return "transport"
}
