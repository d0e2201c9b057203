// Copyright (c) 2026 Jeremy Hahn
// Copyright (c) 2026 Automate The Things, LLC
//
// This file is part of go-webcontrol.
//
// go-webcontrol is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package biometric

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// storeKeyInfo is the HKDF info string for deriving keystore sealing
// keys. Bump the suffix if the store format ever changes.
const storeKeyInfo = "webcontrol-keystore-v1"

const storeVersion = 1

const saltSize = 16

// sealedStore is the on-disk keystore envelope. The private key DER is
// sealed with ChaCha20-Poly1305 under an HKDF-derived key.
type sealedStore struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// deriveStoreKey stretches the passphrase into a 32-byte sealing key.
func deriveStoreKey(passphrase string, salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(passphrase), salt, []byte(storeKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return key, nil
}

// sealKey wraps the private key into the sealed store envelope.
func sealKey(key *ecdsa.PrivateKey, passphrase string) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	sealingKey, err := deriveStoreKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sealingKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	envelope := sealedStore{
		Version:    storeVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, der, nil)),
	}
	return json.Marshal(envelope)
}

// openSealedKey unseals a keystore envelope. A wrong passphrase fails
// authentication and surfaces as ErrStoreSealed.
func openSealedKey(data []byte, passphrase string) (*ecdsa.PrivateKey, error) {
	var envelope sealedStore
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if envelope.Version != storeVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", envelope.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(envelope.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	sealingKey, err := deriveStoreKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sealingKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	der, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreSealed, err)
	}

	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return key, nil
}
