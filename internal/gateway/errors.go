package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/taskdeck/internal/reliability"
)

var (
	// ErrAuthExpired is terminal: the session is over and the caller must
	// re-authenticate. Match with errors.Is.
	ErrAuthExpired = errors.New("session expired")
	// ErrNoRefreshToken is the cause of an AuthExpiredError when the store
	// holds no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrSessionReplaced is the cause of an AuthExpiredError when a new
	// login replaced the credentials while their refresh was in flight.
	// The new session is left untouched.
	ErrSessionReplaced = errors.New("credentials replaced during refresh")
)

// AuthExpiredError reports a terminal authorization failure and why the
// single refresh-and-replay cycle could not recover it.
type AuthExpiredError struct {
	Cause error
}

func (e *AuthExpiredError) Error() string {
	if e.Cause == nil {
		return ErrAuthExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAuthExpired.Error(), e.Cause)
}

func (e *AuthExpiredError) Is(target error) bool {
	return target == ErrAuthExpired
}

func (e *AuthExpiredError) Unwrap() error {
	return e.Cause
}

// NetworkError is a transport-level failure: no response was received.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError is a 4xx response. Detail and Fields carry the
// server's explanation for display.
type ValidationError struct {
	StatusCode int
	Detail     string
	Fields     map[string][]string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "http %d", e.StatusCode)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "; %s: %s", k, strings.Join(e.Fields[k], " "))
		}
	}
	return b.String()
}

// ServerError is a 5xx (or otherwise unexpected) response. It is never
// retried by the gateway.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the caller may try again later (429, 5xx
// gateway and availability errors).
func (e *ServerError) Temporary() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// newValidationError parses REST framework style error bodies:
// {"detail": "..."} or {"field": ["msg", ...], "non_field_errors": [...]}.
func newValidationError(status int, body []byte) *ValidationError {
	out := &ValidationError{StatusCode: status}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		out.Detail = truncateBody(body)
		return out
	}
	for key, value := range raw {
		switch key {
		case "status_code", "error_type", "type":
			continue
		}
		if key == "detail" || key == "error" {
			var s string
			if json.Unmarshal(value, &s) == nil {
				out.Detail = s
			}
			continue
		}
		var list []string
		if json.Unmarshal(value, &list) == nil {
			out.addField(key, list...)
			continue
		}
		var s string
		if json.Unmarshal(value, &s) == nil {
			out.addField(key, s)
		}
	}
	return out
}

func (e *ValidationError) addField(key string, msgs ...string) {
	if len(msgs) == 0 {
		return
	}
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[key] = append(e.Fields[key], msgs...)
}

func truncateBody(body []byte) string {
	const max = 4 << 10
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
