package types

import "errors"

var (
	// ErrNotFound means a transaction, receipt, block or blob is missing upstream,
	// or a record is missing from the store.
	ErrNotFound = errors.New("not found")
	// ErrProvider is an upstream RPC or API failure.
	ErrProvider = errors.New("provider error")
	// ErrSerialization is a metrics encoding or decoding failure.
	ErrSerialization = errors.New("serialization error")
	// ErrStore is a persistence failure.
	ErrStore = errors.New("store error")
	// ErrRetryLimitExceeded is terminal: the entry is dropped from the retry queue.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
)
