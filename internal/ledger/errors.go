package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrKeyEmpty         = errors.New("key is empty")
	ErrKeyTooLong       = fmt.Errorf("key exceeds %d bytes", MaxKeySize)
	ErrClosed           = errors.New("ledger writer is not open")
	ErrEventTypeEmpty   = errors.New("event type is empty")
	ErrEventTypeTooLong = fmt.Errorf("event type exceeds %d bytes", MaxEventTypeLen)
	ErrPayloadTooLong   = fmt.Errorf("payload exceeds %d bytes", MaxPayloadLen)
	ErrInvalidField     = errors.New("field contains a forbidden character")
	ErrIndexExhausted   = errors.New("ledger index space exhausted")
)

// OpenError reports a failure to construct a Writer.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open ledger %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// AppendError reports a failed Append. The writer's chain state is unchanged,
// so Index is also the index a retry will use.
type AppendError struct {
	Index uint64
	Err   error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append record %d: %v", e.Index, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// CorruptedError is returned by OpenVerified when the existing file fails
// verification.
type CorruptedError struct {
	Index  uint64
	Reason string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("ledger corrupted at index %d: %s", e.Index, e.Reason)
}

// MalformedLineError is returned by Scan for a line that does not parse.
// Line is zero-based.
type MalformedLineError struct {
	Line uint64
	Err  error
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed line %d: %v", e.Line, e.Err)
}

func (e *MalformedLineError) Unwrap() error { return e.Err }
