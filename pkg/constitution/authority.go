package constitution

import (
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
)

// OverrideTTL bounds how long an issued override token stays usable.
const OverrideTTL = 15 * time.Minute

// OverrideClaims are carried by an authority override token.
type OverrideClaims struct {
	RecordID  string `json:"record_id"`
	Rationale string `json:"rationale"`
	jwt.RegisteredClaims
}

// AuthorityCredential can mint override tokens. Its key never leaves the
// struct; the message pipeline is never handed one.
type AuthorityCredential struct {
	id  string
	key ed25519.PrivateKey
}

// LoadAuthority reads the authority private key from path. The identity is
// the file's base name without extension unless id is given.
func LoadAuthority(path string, id string) (*AuthorityCredential, error) {
	ks := crypto.NewKeyStore("")
	priv, err := ks.LoadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &AuthorityCredential{id: id, key: priv}, nil
}

// ID is the authority identity written into the sub claim.
func (a *AuthorityCredential) ID() string { return a.id }

// PublicKey is what the relay must be configured with to accept this authority.
func (a *AuthorityCredential) PublicKey() ed25519.PublicKey {
	return a.key.Public().(ed25519.PublicKey)
}

// IssueOverride signs a token superseding the violation recordID.
func (a *AuthorityCredential) IssueOverride(recordID, rationale string, now time.Time) (string, error) {
	if strings.TrimSpace(rationale) == "" {
		return "", ErrEmptyRationale
	}
	if recordID == "" {
		return "", errors.New("record id is required")
	}
	claims := OverrideClaims{
		RecordID:  recordID,
		Rationale: rationale,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.id,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(OverrideTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.key)
}
