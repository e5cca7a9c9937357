package residue

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// KeyStore persists the server's RSA key pair to disk as PEM files,
// satisfying spec.md §6 "Persisted state: ... server RSA key pair on
// disk". Adapted from the teacher's FolderTransport, which persisted
// protocol messages as gob files under a base directory; here the same
// "load if present, else create and save" shape is generalized to key
// material instead of log-commitment messages.
type KeyStore struct {
	dir string
}

const (
	privateKeyFileName = "server.key"
	publicKeyFileName  = "server.pub"
)

// NewKeyStore creates a key store rooted at dir, creating the directory
// (mode 0700) if it does not already exist.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	return &KeyStore{dir: dir}, nil
}

// LoadOrGenerate loads the server key pair from disk if present;
// otherwise it generates a fresh pair and persists it before returning.
func (ks *KeyStore) LoadOrGenerate() (*rsa.PrivateKey, error) {
	priv, err := ks.Load()
	if err == nil {
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	priv, genErr := GenerateServerKeyPair()
	if genErr != nil {
		return nil, fmt.Errorf("generate server key pair: %w", genErr)
	}
	if saveErr := ks.Save(priv); saveErr != nil {
		return nil, saveErr
	}
	return priv, nil
}

// Load reads the server private key from disk. Returns an error
// satisfying os.IsNotExist if no key has been persisted yet.
func (ks *KeyStore) Load() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(ks.dir, privateKeyFileName))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", privateKeyFileName)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse server private key: %w", err)
	}
	return key, nil
}

// Save persists priv (and its derived public key) to disk as PEM,
// overwriting any prior key material.
func (ks *KeyStore) Save(priv *rsa.PrivateKey) error {
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(filepath.Join(ks.dir, privateKeyFileName), privPEM, 0600); err != nil {
		return fmt.Errorf("write server private key: %w", err)
	}
	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("encode server public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ks.dir, publicKeyFileName), pubPEM, 0644); err != nil {
		return fmt.Errorf("write server public key: %w", err)
	}
	return nil
}
