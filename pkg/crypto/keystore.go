package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
)

const (
	privateKeyMode fs.FileMode = 0600
	publicKeyMode  fs.FileMode = 0644

	pemTypePrivate = "PRIVATE KEY"
	pemTypePublic  = "PUBLIC KEY"
	pemTypeOpenSSH = "OPENSSH PRIVATE KEY"
)

// KeyStore manages Ed25519 key files under a keys directory. Public key
// resolution is read-only and walks an ordered list of locations.
type KeyStore struct {
	dir        string
	searchDirs []string
	logger     *slog.Logger
}

// NewKeyStore creates a KeyStore rooted at dir. extraDirs are searched, in
// order, after dir when resolving public keys.
func NewKeyStore(dir string, extraDirs ...string) *KeyStore {
	return &KeyStore{
		dir:        dir,
		searchDirs: extraDirs,
		logger:     slog.Default().With("component", "keystore"),
	}
}

// Dir returns the primary keys directory.
func (k *KeyStore) Dir() string { return k.dir }

// PrivateKeyPath is where the private key for id lives in the primary directory.
func (k *KeyStore) PrivateKeyPath(id string) string {
	return filepath.Join(k.dir, id+".pem")
}

// PublicKeyPath is where the public key for id lives in the primary directory.
func (k *KeyStore) PublicKeyPath(id string) string {
	return filepath.Join(k.dir, id+".pub")
}

// GenerateKeyPair creates a fresh Ed25519 key pair from crypto/rand.
func GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("key generation failed: %w", err)
	}
	return priv, pub, nil
}

// Fingerprint is the first 16 hex characters of SHA-256 over the raw public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// SavePrivateKey writes key as a PKCS#8 PEM file with owner-only permissions.
func (k *KeyStore) SavePrivateKey(key ed25519.PrivateKey, path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return writePrivatePEM(path, &pem.Block{Type: pemTypePrivate, Bytes: der})
}

// SavePrivateKeyWithPassphrase writes key as a passphrase-encrypted OpenSSH
// private key with owner-only permissions.
func (k *KeyStore) SavePrivateKeyWithPassphrase(key ed25519.PrivateKey, path string, passphrase []byte) error {
	if len(passphrase) == 0 {
		return errors.New("empty passphrase")
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(key, filepath.Base(path), passphrase)
	if err != nil {
		return fmt.Errorf("encrypt private key: %w", err)
	}
	return writePrivatePEM(path, block)
}

// SavePublicKey writes key as an SPKI PEM file readable by everyone.
func (k *KeyStore) SavePublicKey(key ed25519.PublicKey, path string) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der})
	if err := writeFileAtomic(path, data, publicKeyMode); err != nil {
		return err
	}
	return nil
}

// LoadPrivateKey reads a PKCS#8 PEM Ed25519 private key. The file must not be
// readable by group or others.
func (k *KeyStore) LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := readPrivateKeyFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "no PEM block"}
	}
	if block.Type == pemTypeOpenSSH {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "key is passphrase protected"}
	}
	return parsePKCS8(path, block)
}

// LoadPrivateKeyWithPassphrase reads a private key written by
// SavePrivateKeyWithPassphrase. Unencrypted PKCS#8 files are accepted as well.
func (k *KeyStore) LoadPrivateKeyWithPassphrase(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := readPrivateKeyFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "no PEM block"}
	}
	if block.Type != pemTypeOpenSSH {
		return parsePKCS8(path, block)
	}

	parsed, err := ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "cannot decrypt key", Err: err}
	}
	switch key := parsed.(type) {
	case ed25519.PrivateKey:
		return key, nil
	case *ed25519.PrivateKey:
		return *key, nil
	default:
		return nil, &contracts.KeyLoadError{Path: path, Reason: fmt.Sprintf("unsupported key type %T", parsed)}
	}
}

func parsePKCS8(path string, block *pem.Block) (ed25519.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "unparsable PKCS#8", Err: err}
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, &contracts.KeyLoadError{Path: path, Reason: fmt.Sprintf("unsupported key type %T", parsed)}
	}
	return priv, nil
}

// LoadPublicKey reads an SPKI PEM Ed25519 public key.
func (k *KeyStore) LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "unreadable", Err: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "no PEM block"}
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "unparsable SPKI", Err: err}
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, &contracts.KeyLoadError{Path: path, Reason: fmt.Sprintf("unsupported key type %T", parsed)}
	}
	return pub, nil
}

// SearchPaths lists the candidate files for keyID in resolution order.
func (k *KeyStore) SearchPaths(keyID string) []string {
	paths := []string{
		filepath.Join(k.dir, keyID+".pub"),
		filepath.Join(k.dir, keyID+"_public.pem"),
		filepath.Join(k.dir, "public", keyID+".pem"),
	}
	for _, d := range k.searchDirs {
		paths = append(paths,
			filepath.Join(d, keyID+".pub"),
			filepath.Join(d, keyID+"_public.pem"),
		)
	}
	return paths
}

// ResolvePublicKey returns the first loadable public key for keyID.
func (k *KeyStore) ResolvePublicKey(keyID string) (ed25519.PublicKey, error) {
	if !validKeyID(keyID) {
		return nil, &contracts.KeyNotFoundError{KeyID: keyID}
	}

	searched := k.SearchPaths(keyID)
	for _, path := range searched {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		pub, err := k.LoadPublicKey(path)
		if err != nil {
			k.logger.Warn("skipping unloadable public key", "key_id", keyID, "path", path, "error", err)
			continue
		}
		return pub, nil
	}
	return nil, &contracts.KeyNotFoundError{KeyID: keyID, Searched: searched}
}

func validKeyID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

func readPrivateKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "missing", Err: err}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, &contracts.KeyLoadError{
			Path:   path,
			Reason: "insecure permissions",
			Err:    &contracts.PermissionError{Path: path, Mode: uint32(perm)},
		}
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, &contracts.KeyLoadError{Path: path, Reason: "unreadable", Err: err}
	}
	return data, nil
}

func writePrivatePEM(path string, block *pem.Block) error {
	if err := writeFileAtomic(path, pem.EncodeToMemory(block), privateKeyMode); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat private key: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return &contracts.PermissionError{Path: path, Mode: uint32(perm)}
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory, fixes its
// mode and renames it into place.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	//nolint:gosec // G301: public keys are shared with other components
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod key file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit key file: %w", err)
	}
	return nil
}
