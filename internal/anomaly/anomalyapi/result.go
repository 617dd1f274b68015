package anomalyapi

import "sensorwatch/internal/transport"

// Result carries a well-formed value plus the transport outcome. Recovered is
// set when a failure was absorbed by substituting a fallback value; callers only
// need to look at Err for failures that were not absorbed.
type Result[T any] struct {
	Value     T
	Tag       transport.Tag
	Message   string
	Recovered bool
}

// OK reports a successful call.
func (r Result[T]) OK() bool {
	return r.Tag == transport.TagOK
}

// Err returns the surfaced failure, or nil when the call succeeded or was recovered.
func (r Result[T]) Err() error {
	if r.Tag == transport.TagOK || r.Tag == "" || r.Recovered {
		return nil
	}
	return &transport.Error{Tag: r.Tag, Message: r.Message}
}

// Unauthenticated reports whether the session must be re-established.
func (r Result[T]) Unauthenticated() bool {
	return r.Tag == transport.TagUnauthenticated
}

func ok[T any](value T) Result[T] {
	return Result[T]{Value: value, Tag: transport.TagOK}
}

func recovered[T any](value T, res transport.Result) Result[T] {
	return Result[T]{Value: value, Tag: res.Tag, Message: res.Message, Recovered: true}
}

func surfaced[T any](value T, res transport.Result) Result[T] {
	return Result[T]{Value: value, Tag: res.Tag, Message: res.Message}
}
