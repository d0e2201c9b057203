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
	"sync"
)

// FakeDevice is a scriptable Device for tests. Unset functions fall
// back to permissive defaults: sensor available, no keys enrolled until
// CreateKeys is called, deterministic key/signature material.
type FakeDevice struct {
	AvailabilityFunc    func(ctx context.Context) (Availability, error)
	KeysExistFunc       func(ctx context.Context) (bool, error)
	CreateKeysFunc      func(ctx context.Context, promptMessage string) (KeyResult, error)
	CreateSignatureFunc func(ctx context.Context, req SignatureRequest) (SignatureResult, error)
	DeleteKeysFunc      func(ctx context.Context) error

	mu              sync.Mutex
	enrolled        bool
	CreateKeysCalls int
	SignatureCalls  int
	DeleteCalls     int
}

// NewFakeDevice creates a fake with default behavior.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{}
}

// CheckAvailability implements Device.
func (f *FakeDevice) CheckAvailability(ctx context.Context) (Availability, error) {
	if f.AvailabilityFunc != nil {
		return f.AvailabilityFunc(ctx)
	}
	return Availability{Available: true, BiometryType: DefaultBiometryType}, nil
}

// KeysExist implements Device.
func (f *FakeDevice) KeysExist(ctx context.Context) (bool, error) {
	if f.KeysExistFunc != nil {
		return f.KeysExistFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrolled, nil
}

// CreateKeys implements Device.
func (f *FakeDevice) CreateKeys(ctx context.Context, promptMessage string) (KeyResult, error) {
	f.mu.Lock()
	f.CreateKeysCalls++
	f.mu.Unlock()
	if f.CreateKeysFunc != nil {
		return f.CreateKeysFunc(ctx, promptMessage)
	}
	f.mu.Lock()
	f.enrolled = true
	f.mu.Unlock()
	return KeyResult{PublicKey: "fake-public-key"}, nil
}

// CreateSignature implements Device.
func (f *FakeDevice) CreateSignature(ctx context.Context, req SignatureRequest) (SignatureResult, error) {
	f.mu.Lock()
	f.SignatureCalls++
	f.mu.Unlock()
	if f.CreateSignatureFunc != nil {
		return f.CreateSignatureFunc(ctx, req)
	}
	return SignatureResult{Signature: "fake-signature", Payload: req.Payload}, nil
}

// DeleteKeys implements Device.
func (f *FakeDevice) DeleteKeys(ctx context.Context) error {
	f.mu.Lock()
	f.DeleteCalls++
	f.mu.Unlock()
	if f.DeleteKeysFunc != nil {
		return f.DeleteKeysFunc(ctx)
	}
	f.mu.Lock()
	f.enrolled = false
	f.mu.Unlock()
	return nil
}
