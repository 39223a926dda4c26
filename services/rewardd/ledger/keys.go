package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PassphraseSource resolves the keystore passphrase on demand.
type PassphraseSource interface {
	Get() (string, error)
}

// LoadKeystoreKey decrypts a go-ethereum JSON keystore file.
func LoadKeystoreKey(path string, passphrase PassphraseSource) (*ecdsa.PrivateKey, error) {
	contents, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	if passphrase == nil {
		return nil, fmt.Errorf("keystore passphrase source required")
	}
	secret, err := passphrase.Get()
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(contents, secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// ParseHexKey decodes a raw hex private key, with or without 0x prefix.
func ParseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signer key is empty")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return key, nil
}
