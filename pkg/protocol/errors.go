package protocol

import (
	"errors"
	"fmt"
)

// Decode failures
var (
	ErrTooShort        = errors.New("packet too short")
	ErrVersionMismatch = errors.New("unsupported protocol version")
	ErrUnknownType     = errors.New("unknown message type")
	ErrLengthMismatch  = errors.New("length mismatch")
	ErrDecompression   = errors.New("decompression failed")
)

// Validation and encode failures
var (
	ErrBadVersion      = errors.New("bad version")
	ErrBadTTL          = errors.New("ttl out of range")
	ErrBadSender       = errors.New("invalid sender id")
	ErrBadRecipient    = errors.New("invalid recipient id")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBadSignature    = errors.New("invalid signature length")
	ErrFutureTimestamp = errors.New("timestamp too far in the future")
)

// DecodeError reports bytes that could not be turned into a Packet.
type DecodeError struct {
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode: " + e.Err.Error()
	}
	return fmt.Sprintf("decode: %v: %s", e.Err, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(err error, format string, args ...any) error {
	return &DecodeError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// ValidationError reports a structurally decodable but semantically
// invalid Packet.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "invalid packet: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid packet: %v: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validationErr(err error, format string, args ...any) error {
	return &ValidationError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsDecodeError reports whether err is a decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
