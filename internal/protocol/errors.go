package protocol

// ErrorKind classifies protocol decoding failures. The kind maps directly
// to the error code carried in the control "error" frame sent back to the
// client.
type ErrorKind string

const (
	// ErrUnknownType means the control frame type is not in the enumeration.
	ErrUnknownType ErrorKind = "unknown_type"

	// ErrMalformed covers truncated audio frames, invalid length prefixes,
	// and JSON parse failures.
	ErrMalformed ErrorKind = "malformed"
)

// Error is a protocol decoding failure.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return "protocol: " + string(e.Kind) + ": " + e.Cause.Error()
	}
	return "protocol: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }
