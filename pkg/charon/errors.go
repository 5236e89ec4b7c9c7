package charon

import "errors"

var (
	// ErrRateLimitExceeded indicates a token bucket is empty
	ErrRateLimitExceeded = errors.New("rate limit exceeded - the ferryman demands patience")

	// ErrInvalidConfig indicates store configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)
