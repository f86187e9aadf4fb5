package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the relay reports to a sender.
type ErrorKind string

const (
	KindStructure               ErrorKind = "StructureError"
	KindStaleOrFuture           ErrorKind = "StaleOrFutureError"
	KindReplay                  ErrorKind = "ReplayError"
	KindSignature               ErrorKind = "SignatureError"
	KindKeyLoad                 ErrorKind = "KeyLoadError"
	KindKeyNotFound             ErrorKind = "KeyNotFoundError"
	KindPermission              ErrorKind = "PermissionError"
	KindConstitutionalViolation ErrorKind = "ConstitutionalViolation"
	KindConsensusAttack         ErrorKind = "ConsensusAttackAlert"
	KindInternal                ErrorKind = "InternalError"
)

// Sentinels for errors.Is. A *RelayError matches the sentinel of its kind.
var (
	ErrStructure               = &RelayError{Kind: KindStructure}
	ErrStaleOrFuture           = &RelayError{Kind: KindStaleOrFuture}
	ErrReplay                  = &RelayError{Kind: KindReplay}
	ErrSignature               = &RelayError{Kind: KindSignature}
	ErrKeyLoad                 = &RelayError{Kind: KindKeyLoad}
	ErrKeyNotFound             = &RelayError{Kind: KindKeyNotFound}
	ErrPermission              = &RelayError{Kind: KindPermission}
	ErrConstitutionalViolation = &RelayError{Kind: KindConstitutionalViolation}
	ErrConsensusAttack         = &RelayError{Kind: KindConsensusAttack}
)

// RelayError carries a kind, a human-readable detail and an optional cause.
// Details never contain key material.
type RelayError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *RelayError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RelayError) Unwrap() error { return e.Err }

// Is matches any *RelayError of the same kind.
func (e *RelayError) Is(target error) bool {
	var t *RelayError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a *RelayError with a formatted detail.
func NewError(kind ErrorKind, format string, args ...any) *RelayError {
	return &RelayError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError builds a *RelayError around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *RelayError {
	return &RelayError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or KindInternal if err is not a *RelayError.
func KindOf(err error) ErrorKind {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// Direction tells whether a timestamp fell before or after the accepted window.
type Direction string

const (
	DirectionStale  Direction = "stale"
	DirectionFuture Direction = "future"
)

// StaleOrFutureError reports a timestamp outside the freshness window.
type StaleOrFutureError struct {
	Direction Direction
	SkewSecs  float64
}

func (e *StaleOrFutureError) Error() string {
	return fmt.Sprintf("timestamp is %s by %.3fs", e.Direction, e.SkewSecs)
}

// KeyLoadError reports a key file that could not be loaded.
type KeyLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *KeyLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("key load %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("key load %s: %s", e.Path, e.Reason)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrKeyLoad) match a *KeyLoadError.
func (e *KeyLoadError) Is(target error) bool { return target == ErrKeyLoad }

// KeyNotFoundError reports a key id that no search location resolved.
type KeyNotFoundError struct {
	KeyID    string
	Searched []string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("public key %q not found (searched %d locations)", e.KeyID, len(e.Searched))
}

// Is lets errors.Is(err, ErrKeyNotFound) match a *KeyNotFoundError.
func (e *KeyNotFoundError) Is(target error) bool { return target == ErrKeyNotFound }

// PermissionError reports a private key file readable by group or others.
type PermissionError struct {
	Path string
	Mode uint32
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("private key %s has permissions %#o, expected 0600", e.Path, e.Mode)
}

// Is lets errors.Is(err, ErrPermission) match a *PermissionError.
func (e *PermissionError) Is(target error) bool { return target == ErrPermission }
