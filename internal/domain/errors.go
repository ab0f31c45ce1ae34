package domain

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrMissingIdentity    = errors.New("missing mandatory identity field")
	ErrShuttingDown       = errors.New("shutting down")
)
