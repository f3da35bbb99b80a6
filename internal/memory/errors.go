package memory

import "errors"

var (
	// ErrInitialization is returned when the durable store cannot be opened.
	// The long-term store continues in a disabled state.
	ErrInitialization = errors.New("memory store initialization failed")

	// ErrDisabled is returned by writes against a disabled long-term store.
	ErrDisabled = errors.New("long-term store is disabled")

	// ErrValidation is returned for blank content, unknown roles, or bad session ids.
	ErrValidation = errors.New("invalid memory input")

	// ErrNotFound is returned when an id does not exist.
	ErrNotFound = errors.New("memory not found")

	// ErrStorage wraps I/O failures on an open store.
	ErrStorage = errors.New("memory storage error")

	// ErrSummarization is returned when the summarizer fails or returns nothing.
	ErrSummarization = errors.New("summarization failed")
)
