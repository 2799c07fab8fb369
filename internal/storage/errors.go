package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrIdempotencyInProgress indicates a matching idempotency key is currently being processed.
	ErrIdempotencyInProgress = errors.New("storage: idempotency key request already in progress")

	// ErrClarificationRateLimited is returned when a pending clarification
	// already exists for the user within the rolling rate window.
	ErrClarificationRateLimited = errors.New("storage: clarification rate limit reached")
)
