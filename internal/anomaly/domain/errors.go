package anomaly

import "errors"

var (
	ErrNotFound        = errors.New("anomaly: not found")
	ErrUnauthenticated = errors.New("anomaly: unauthenticated")
)
