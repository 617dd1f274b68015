package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag classifies the outcome of a request.
type Tag string

const (
	TagOK              Tag = "ok"
	TagTimeout         Tag = "timeout"
	TagNetwork         Tag = "network"
	TagUnauthenticated Tag = "unauthenticated"
	TagNotFound        Tag = "not_found"
	TagBadRequest      Tag = "bad_request"
	TagConflict        Tag = "conflict"
	TagRateLimited     Tag = "rate_limited"
	TagServerError     Tag = "server_error"
	TagUnknown         Tag = "unknown"
)

// Result is the tagged outcome of one HTTP call. Body holds the decoded JSON
// payload when the response advertised JSON, otherwise Text holds the raw body.
type Result struct {
	Tag     Tag
	Status  int
	Body    json.RawMessage
	Text    string
	Message string
	cause   error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Tag == TagOK
}

// IsJSON reports whether the body was parsed as JSON.
func (r Result) IsJSON() bool {
	return len(r.Body) > 0
}

// Decode unmarshals the JSON body into out.
func (r Result) Decode(out any) error {
	if len(r.Body) == 0 {
		return errors.New("transport: empty json body")
	}
	return json.Unmarshal(r.Body, out)
}

// Err converts a non-ok result into an *Error. It returns nil for ok results.
func (r Result) Err() error {
	if r.Tag == TagOK {
		return nil
	}
	return &Error{Tag: r.Tag, Status: r.Status, Message: r.Message, cause: r.cause}
}

// Error is the error form of a failed Result.
type Error struct {
	Tag     Tag
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "transport: <nil>"
	}
	switch {
	case e.Message != "" && e.Status > 0:
		return fmt.Sprintf("transport: %s (http %d): %s", e.Tag, e.Status, e.Message)
	case e.Status > 0:
		return fmt.Sprintf("transport: %s (http %d)", e.Tag, e.Status)
	case e.cause != nil:
		return fmt.Sprintf("transport: %s: %v", e.Tag, e.cause)
	default:
		return fmt.Sprintf("transport: %s", e.Tag)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// TagOf extracts the tag carried by err. Nil maps to TagOK and foreign errors to TagUnknown.
func TagOf(err error) Tag {
	if err == nil {
		return TagOK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Tag
	}
	return TagUnknown
}

// TagForStatus maps an HTTP status code onto the taxonomy.
func TagForStatus(status int) Tag {
	switch {
	case status >= 200 && status < 300:
		return TagOK
	case status == 401 || status == 403:
		return TagUnauthenticated
	case status == 404:
		return TagNotFound
	case status == 400:
		return TagBadRequest
	case status == 409:
		return TagConflict
	case status == 429:
		return TagRateLimited
	case status >= 500:
		return TagServerError
	default:
		return TagUnknown
	}
}
