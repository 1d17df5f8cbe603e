package sync

import "errors"

var (
	// ErrNotConfigured is returned when no connection exists or its scope is incomplete.
	ErrNotConfigured = errors.New("sync connection is not configured")

	// ErrDisabled is returned when the connection exists but is disabled.
	ErrDisabled = errors.New("sync connection is disabled")

	// ErrAlreadyRunning is returned when another run holds the connection.
	ErrAlreadyRunning = errors.New("a sync run is already in progress")
)
