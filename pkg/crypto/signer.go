// Package crypto holds Ed25519 key management and the sign/verify primitives
// used for inbound messages, outbound responses and the authority key.
package crypto

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
)

// Reasons a signature fails verification. They are for operator logs only and
// never reach a sender.
var (
	ErrAlgorithmMismatch   = errors.New("algorithm mismatch")
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")
	ErrMalformedSignature  = errors.New("malformed signature data")
	ErrBadPublicKey        = errors.New("invalid public key")
	ErrBadSignature        = errors.New("signature does not verify")
	ErrNotCanonicalizable  = errors.New("payload cannot be canonicalized")
)

// Signer signs canonicalized payloads with a fixed identity.
type Signer struct {
	privKey     ed25519.PrivateKey
	pubKey      ed25519.PublicKey
	keyID       string
	fingerprint string
	now         func() time.Time
}

// NewSigner wraps priv under keyID.
func NewSigner(priv ed25519.PrivateKey, keyID string) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		privKey:     priv,
		pubKey:      pub,
		keyID:       keyID,
		fingerprint: Fingerprint(pub),
		now:         time.Now,
	}
}

// WithClock overrides the clock used for signature timestamps.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func (s *Signer) KeyID() string                { return s.keyID }
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pubKey }
func (s *Signer) Fingerprint() string          { return s.fingerprint }

// Sign signs the canonical form of payload.
func (s *Signer) Sign(payload any) (contracts.Signature, error) {
	return sign(payload, s.privKey, s.pubKey, s.keyID, s.now())
}

// Sign signs the canonical form of payload with priv, embedding keyID.
func Sign(payload any, priv ed25519.PrivateKey, keyID string) (contracts.Signature, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return contracts.Signature{}, ErrBadPublicKey
	}
	return sign(payload, priv, priv.Public().(ed25519.PublicKey), keyID, time.Now())
}

func sign(payload any, priv ed25519.PrivateKey, pub ed25519.PublicKey, keyID string, at time.Time) (contracts.Signature, error) {
	data, err := canonicalize.JCS(payload)
	if err != nil {
		return contracts.Signature{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	return contracts.Signature{
		Algorithm:      contracts.AlgorithmEd25519,
		SignatureData:  base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)),
		PublicKeyID:    keyID,
		Timestamp:      contracts.TimeToSeconds(at),
		KeyFingerprint: Fingerprint(pub),
	}, nil
}

// Verify reports whether sig is a valid signature over the canonical form of
// payload under pub. Every failure collapses to false.
func Verify(payload any, sig contracts.Signature, pub ed25519.PublicKey) bool {
	return VerifyDetailed(payload, sig, pub) == nil
}

// VerifyDetailed is Verify with the failure reason exposed for logging.
func VerifyDetailed(payload any, sig contracts.Signature, pub ed25519.PublicKey) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBadSignature, r)
		}
	}()

	if sig.Algorithm != contracts.AlgorithmEd25519 {
		return ErrAlgorithmMismatch
	}
	if len(pub) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	if sig.KeyFingerprint != "" {
		want := Fingerprint(pub)
		if subtle.ConstantTimeCompare([]byte(sig.KeyFingerprint), []byte(want)) != 1 {
			return ErrFingerprintMismatch
		}
	}
	raw, err := base64.StdEncoding.DecodeString(sig.SignatureData)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return ErrMalformedSignature
	}
	data, err := canonicalize.JCS(payload)
	if err != nil {
		return ErrNotCanonicalizable
	}
	if !ed25519.Verify(pub, data, raw) {
		return ErrBadSignature
	}
	return nil
}
