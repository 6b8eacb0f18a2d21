package ratelimit

import "errors"

var (
	ErrLimiterAlreadyRunning = errors.New("rate limiter pruning is already running")
	ErrLimiterNotRunning     = errors.New("rate limiter pruning is not running")
	ErrInvalidPolicy         = errors.New("policy requires max requests > 0 and a window of at least one second")
	ErrMalformedPolicySpec   = errors.New("malformed policy spec, expected path=max/seconds")
)
