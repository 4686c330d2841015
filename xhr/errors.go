package xhr

import "errors"

// Sentinel errors returned by XMLHttpRequest methods. Callers distinguish
// them with errors.Is; the message carries the offending detail.
var (
	// ErrInvalidState is returned when a method is called outside the
	// lifecycle state it is valid in, e.g. Send before Open.
	ErrInvalidState = errors.New("invalid state")

	// ErrSecurity is returned when a request uses a forbidden HTTP method.
	ErrSecurity = errors.New("security error")

	// ErrNotSupported is returned for request modes the emulator refuses
	// outright: synchronous sends and non-HTTP(S) URL schemes.
	ErrNotSupported = errors.New("not supported")
)
