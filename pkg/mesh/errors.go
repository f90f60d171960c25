package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized  = errors.New("mesh engine not initialized")
	ErrStopped         = errors.New("mesh engine stopped")
	ErrConnectionLimit = errors.New("connection limit reached")
	ErrSignalTooWeak   = errors.New("signal quality below threshold")
	ErrEmptyPayload    = errors.New("empty payload")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrInvalidMode     = errors.New("invalid battery mode")
	ErrUnsigned        = errors.New("packet is not signed")
	ErrUnknownSigner   = errors.New("signer is not known")
)

// ErrorKind classifies Error events.
type ErrorKind string

const (
	ErrorDecode     ErrorKind = "decode"
	ErrorValidation ErrorKind = "validation"
	ErrorSignature  ErrorKind = "signature"
	ErrorDecrypt    ErrorKind = "decrypt"
	ErrorFragment   ErrorKind = "fragment"
	ErrorTransport  ErrorKind = "transport"
	ErrorArchive    ErrorKind = "archive"
	ErrorAnnounce   ErrorKind = "announce"
)

// PeerError wraps a failure tied to one neighbour.
type PeerError struct {
	Kind ErrorKind
	Peer string
	Err  error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("%s error with %s: %v", e.Kind, e.Peer, e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }
