package registry

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
)

// SupportedVersions is the registry file format range this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// File is the on-disk registry document.
type File struct {
	Version    string          `yaml:"version"`
	RelayID    string          `yaml:"relay_id"`
	Components []ComponentSpec `yaml:"components"`
}

// ComponentSpec is one component entry in the registry file.
type ComponentSpec struct {
	ID    string `yaml:"id"`
	Role  string `yaml:"role"`
	KeyID string `yaml:"key_id,omitempty"`
}

// ParseFile decodes and version-checks a registry document.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if f.Version == "" {
		return nil, errors.New("registry: missing version")
	}
	v, err := semver.NewVersion(f.Version)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid version %q: %w", f.Version, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, err
	}
	if !c.Check(v) {
		return nil, fmt.Errorf("registry: version %s not in supported range %s", v, SupportedVersions)
	}
	return &f, nil
}

// Load reads the registry file at path and resolves each component's public
// key through ks. relayID overrides the file's relay_id when non-empty.
// Components without a resolvable key are registered keyless: their unsigned
// messages still route when signatures are optional, signed ones never verify.
func Load(path, relayID string, relayKey ed25519.PublicKey, ks *crypto.KeyStore) (*Registry, error) {
	logger := slog.Default().With("component", "registry")

	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return nil, err
	}
	if relayID == "" {
		relayID = f.RelayID
	}

	components := make([]Component, 0, len(f.Components))
	for _, entry := range f.Components {
		role, err := ParseRole(entry.Role)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", entry.ID, err)
		}
		keyID := entry.KeyID
		if keyID == "" {
			keyID = entry.ID
		}
		pub, err := ks.ResolvePublicKey(keyID)
		if err != nil {
			if !errors.Is(err, contracts.ErrKeyNotFound) {
				return nil, err
			}
			logger.Warn("component has no public key; signed messages from it will not verify",
				"component_id", entry.ID, "key_id", keyID)
		}
		components = append(components, Component{ID: entry.ID, Role: role, KeyID: keyID, PublicKey: pub})
	}

	reg, err := New(relayID, relayKey, components)
	if err != nil {
		return nil, err
	}
	logger.Info("registry loaded", "version", f.Version, "components", reg.ComponentCount())
	return reg, nil
}
