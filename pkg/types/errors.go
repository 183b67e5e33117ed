package types

import "errors"

// Import errors. See docs/ARCHITECTURE.md § Error Handling.
var (
	ErrMalformedConfig        = errors.New("malformed configuration")
	ErrIncompatibleLayout     = errors.New("incompatible physical layout")
	ErrNameInUse              = errors.New("name already in use")
	ErrChecksumMismatch       = errors.New("checksum mismatch")
	ErrOrderingViolation      = errors.New("key ordering violation")
	ErrAllocationSizeMismatch = errors.New("allocation size mismatch")
)

// Catalog and storage errors.
var (
	ErrInvalidURI        = errors.New("invalid object URI")
	ErrNotFound          = errors.New("object not found")
	ErrKeyNotFound       = errors.New("key not found")
	ErrCorruptPage       = errors.New("corrupt page")
	ErrDanglingReference = errors.New("dangling catalog reference")
	ErrFileMissing       = errors.New("data file missing")
	ErrObjectBusy        = errors.New("object is busy")
)

// Lifecycle errors.
var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrTxnDone          = errors.New("transaction already committed or rolled back")
	ErrTxnActive        = errors.New("transaction already active")
	ErrCursorExhausted  = errors.New("cursor exhausted")
)
