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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
)

// DefaultBiometryType is reported by the simulator when none is
// configured.
const DefaultBiometryType = "simulated"

// SimulatorConfig configures the software device.
type SimulatorConfig struct {
	// StorePath is where the sealed keystore lives. Empty means keys are
	// held in memory only and vanish on restart.
	StorePath string

	// Passphrase seals the keystore. Required when StorePath is set.
	Passphrase string

	// BiometryType is the sensor type reported by availability checks.
	BiometryType string

	// Unavailable marks the sensor as unusable, with Reason explaining
	// why. Used to exercise the disabled-sensor paths end to end.
	Unavailable bool
	Reason      string

	// Logger is optional; nil falls back to a default slog adapter.
	Logger logger.Logger
}

// Simulator is a software Device backed by an ECDSA P-256 key. When a
// store path is configured the key survives restarts inside a sealed
// keystore.
type Simulator struct {
	mu     sync.Mutex
	cfg    SimulatorConfig
	key    *ecdsa.PrivateKey
	logger logger.Logger
}

// NewSimulator creates the simulator and loads any previously enrolled
// key from the sealed store.
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.BiometryType == "" {
		cfg.BiometryType = DefaultBiometryType
	}
	if cfg.StorePath != "" && cfg.Passphrase == "" {
		return nil, errors.New("keystore path configured without a passphrase")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level: logger.LevelInfo,
		})
	}

	s := &Simulator{
		cfg:    cfg,
		logger: log.With(logger.String("component", "biometric-simulator")),
	}
	if err := s.loadStore(); err != nil {
		return nil, err
	}
	return s, nil
}

// CheckAvailability implements Device.
func (s *Simulator) CheckAvailability(ctx context.Context) (Availability, error) {
	if err := ctx.Err(); err != nil {
		return Availability{}, err
	}
	if s.cfg.Unavailable {
		reason := s.cfg.Reason
		if reason == "" {
			reason = "sensor disabled by configuration"
		}
		return Availability{Available: false, Reason: reason}, nil
	}
	return Availability{Available: true, BiometryType: s.cfg.BiometryType}, nil
}

// KeysExist implements Device.
func (s *Simulator) KeysExist(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key != nil, nil
}

// CreateKeys implements Device. Any previously enrolled key is
// replaced.
func (s *Simulator) CreateKeys(ctx context.Context, promptMessage string) (KeyResult, error) {
	if err := ctx.Err(); err != nil {
		return KeyResult{}, err
	}
	if s.cfg.Unavailable {
		return KeyResult{}, fmt.Errorf("%w: %s", ErrSensorUnavailable, s.cfg.Reason)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyResult{}, fmt.Errorf("generate keypair: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	if err := s.persistLocked(); err != nil {
		s.key = nil
		return KeyResult{}, err
	}

	publicKey, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return KeyResult{}, err
	}
	s.logger.Info("enrolled new keypair", logger.String("prompt", promptMessage))
	return KeyResult{PublicKey: publicKey}, nil
}

// CreateSignature implements Device. The payload digest is signed with
// the enrolled key; the simulator always approves the prompt.
func (s *Simulator) CreateSignature(ctx context.Context, req SignatureRequest) (SignatureResult, error) {
	if err := ctx.Err(); err != nil {
		return SignatureResult{}, err
	}
	if s.cfg.Unavailable {
		return SignatureResult{}, fmt.Errorf("%w: %s", ErrSensorUnavailable, s.cfg.Reason)
	}

	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if key == nil {
		return SignatureResult{}, ErrNoKeys
	}

	digest := sha256.Sum256([]byte(req.Payload))
	signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return SignatureResult{}, fmt.Errorf("sign payload: %w", err)
	}

	s.logger.Debug("signed payload",
		logger.String("prompt", req.PromptMessage),
		logger.Int("payload_bytes", len(req.Payload)))
	return SignatureResult{
		Signature: base64.StdEncoding.EncodeToString(signature),
		Payload:   req.Payload,
	}, nil
}

// DeleteKeys implements Device.
func (s *Simulator) DeleteKeys(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = nil
	if s.cfg.StorePath == "" {
		return nil
	}
	if err := os.Remove(s.cfg.StorePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove keystore: %w", err)
	}
	s.logger.Info("deleted enrolled keys")
	return nil
}

// PublicKey returns the enrolled public key, or "" when nothing is
// enrolled. Used by the CLI to print enrollment results.
func (s *Simulator) PublicKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ""
	}
	publicKey, err := encodePublicKey(&s.key.PublicKey)
	if err != nil {
		return ""
	}
	return publicKey
}

func (s *Simulator) loadStore() error {
	if s.cfg.StorePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.cfg.StorePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read keystore: %w", err)
	}
	key, err := openSealedKey(data, s.cfg.Passphrase)
	if err != nil {
		return err
	}
	s.key = key
	s.logger.Info("loaded enrolled key from store")
	return nil
}

// persistLocked writes the sealed keystore. Caller holds s.mu.
func (s *Simulator) persistLocked() error {
	if s.cfg.StorePath == "" {
		return nil
	}
	sealed, err := sealKey(s.key, s.cfg.Passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.cfg.StorePath, sealed, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

func encodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
