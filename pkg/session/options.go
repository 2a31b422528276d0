package session

import (
	"time"

	"github.com/fako1024/skalekit/pkg/scale"
)

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithConnectTimeout sets the maximum duration of a connection attempt
func WithConnectTimeout(timeout time.Duration) func(*Session) {
	return func(s *Session) {
		s.connectTimeout = timeout
	}
}

// WithAutoConnect enables reconnecting to the last connected device once it
// is discovered again while scanning
func WithAutoConnect(enabled bool) func(*Session) {
	return func(s *Session) {
		s.autoConnect = enabled
	}
}

// WithID sets the session identifier (a ULID is generated otherwise)
func WithID(id string) func(*Session) {
	return func(s *Session) {
		s.id = id
	}
}
