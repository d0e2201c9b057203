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

// Package biometric defines the device-side collaborator the operation
// bridge drives: availability checks, key creation, signature prompts,
// and key deletion. A software simulator backed by an ECDSA P-256 key
// in a sealed keystore ships alongside the interface so the product
// runs on machines without a real sensor.
package biometric

import (
	"context"
	"errors"
)

// Sentinel errors for device operations.
var (
	// ErrSensorUnavailable is returned when the sensor cannot be used at all.
	ErrSensorUnavailable = errors.New("biometric sensor unavailable")

	// ErrNoKeys is returned when a signature is requested before enrollment.
	ErrNoKeys = errors.New("no biometric keys enrolled")

	// ErrStoreSealed is returned when the keystore cannot be opened with
	// the configured passphrase.
	ErrStoreSealed = errors.New("keystore passphrase rejected")
)

// Availability describes whether the sensor can be used right now.
type Availability struct {
	Available    bool   `json:"available"`
	BiometryType string `json:"biometryType,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// KeyResult is the outcome of key creation.
type KeyResult struct {
	PublicKey string `json:"publicKey"`
}

// SignatureRequest asks the person at the device to approve signing
// payload. Prompt text is what the device UI would display.
type SignatureRequest struct {
	PromptMessage    string
	Payload          string
	CancelButtonText string
}

// SignatureResult is the outcome of an approved signature prompt.
type SignatureResult struct {
	Signature string `json:"signature"`
	Payload   string `json:"payload"`
}

// Device is the narrow sensor interface the bridge consumes.
type Device interface {
	// CheckAvailability reports whether the sensor can be used. An
	// unusable sensor is reported via Availability.Available=false with
	// a reason, not an error; errors mean the check itself failed.
	CheckAvailability(ctx context.Context) (Availability, error)

	// KeysExist reports whether enrolled key material is present.
	KeysExist(ctx context.Context) (bool, error)

	// CreateKeys enrolls a new keypair, replacing any existing one, and
	// returns the public half.
	CreateKeys(ctx context.Context, promptMessage string) (KeyResult, error)

	// CreateSignature signs the request payload with the enrolled key.
	CreateSignature(ctx context.Context, req SignatureRequest) (SignatureResult, error)

	// DeleteKeys removes enrolled key material. Deleting when nothing is
	// enrolled is not an error.
	DeleteKeys(ctx context.Context) error
}
