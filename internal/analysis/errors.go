package analysis

import "errors"

// Dispatcher lifecycle errors
var (
	ErrDispatcherAlreadyRunning = errors.New("analysis dispatcher is already running")
	ErrDispatcherNotRunning     = errors.New("analysis dispatcher is not running")
)

// Hook errors
var (
	ErrAnalyzerStatus = errors.New("analyzer returned an unexpected status")
	ErrEmptyEndpoint  = errors.New("analyzer endpoint is required")
)
