package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadOrCreateIdentity loads the PEM/PKCS8 ed25519 key at keyPath, or
// generates and writes one (mode 0600) when the file is missing or empty.
func LoadOrCreateIdentity(keyPath string) (*Identity, error) {
	info, err := os.Stat(keyPath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		privKey, err := generateAndSaveKeyPair(keyPath)
		if err != nil {
			return nil, err
		}
		return NewIdentity(privKey), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}

	privKey, err := loadKeyPair(keyPath)
	if err != nil {
		return nil, err
	}
	return NewIdentity(privKey), nil
}

func generateAndSaveKeyPair(keyPath string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal pkcs8: %w", err)
	}

	file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	defer file.Close()

	if err := pem.Encode(file, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return priv, nil
}

func loadKeyPair(keyPath string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from key file")
	}

	genericKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}

	privKey, ok := genericKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}
	return privKey, nil
}
