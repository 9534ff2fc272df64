package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateRequest  = errors.New("duplicate: a blocking notification already exists for this (request_id, channel)")
	ErrInvalidChannel    = errors.New("invalid or unregistered channel")
	ErrInvalidRecipient  = errors.New("recipient must not be empty")
	ErrInvalidContent    = errors.New("content must not be empty")
	ErrBatchTooLarge     = errors.New("batch exceeds the configured recipient*channel ceiling")
	ErrBatchEmpty        = errors.New("batch must contain at least one recipient")
	ErrAlertNotFound     = errors.New("alert not found")
	ErrAlertAlreadyDone  = errors.New("alert already resolved")
	ErrNoProvider        = errors.New("no provider configured for channel")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrProviderExists    = errors.New("provider id already registered")
	ErrLockRejected      = errors.New("idempotency lock rejected: already processing or delivered")
)
