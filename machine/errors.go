package machine

import (
	"errors"
	"fmt"
)

var (
	ErrNoAccount               = errors.New("machine: no account")
	ErrAccountExists           = errors.New("machine: account already exists")
	ErrNoOneTimeKeyAvailable   = errors.New("machine: no one-time key available")
	ErrReplayDetected          = errors.New("machine: replay detected")
	ErrNoMatchingSession       = errors.New("machine: no matching session")
	ErrUnknownSession          = errors.New("machine: unknown session")
	ErrRatchetIndexTooOld      = errors.New("machine: ratchet index too old")
	ErrSessionRotationRequired = errors.New("machine: session rotation required")
	ErrUntrustedSender         = errors.New("machine: untrusted sender")
	ErrUnknownDevice           = errors.New("machine: unknown device")
	ErrDecryptionPending       = errors.New("machine: decryption pending")
)

// IsPending reports whether a decrypt failure may still resolve once a key arrives.
func IsPending(err error) bool {
	return errors.Is(err, ErrDecryptionPending)
}

type KeyUploadError struct {
	Err error
}

func (e *KeyUploadError) Error() string {
	return fmt.Sprintf("machine: key upload failed: %s", e.Err)
}

func (e *KeyUploadError) Unwrap() error {
	return e.Err
}

type TransportErrorKind int

const (
	TransportNetwork TransportErrorKind = iota
	TransportProtocol
)

func (k TransportErrorKind) String() string {
	if k == TransportProtocol {
		return "protocol"
	}
	return "network"
}

// TransportError is what Transport implementations return. Errors of any other type are treated
// as network errors.
type TransportError struct {
	Kind TransportErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("machine: %s error during %s: %s", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Kind: TransportNetwork, Op: op, Err: err}
}

// IntegrityError is returned for any signature or key binding that fails to verify.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("machine: integrity failure: %s", e.Reason)
}

func integrityError(format string, vars ...interface{}) *IntegrityError {
	return &IntegrityError{Reason: fmt.Sprintf(format, vars...)}
}

// WithheldError is a permanent decrypt failure: the session owner refused to share the key.
type WithheldError struct {
	Code   WithheldCode
	Reason string
}

func (e *WithheldError) Error() string {
	return fmt.Sprintf("machine: key withheld (%s): %s", e.Code, e.Reason)
}
