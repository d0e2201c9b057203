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

package client

import (
	"context"
	"sync"
)

// FakeBackend is a configurable Backend for tests. Function fields
// override the default success behavior; call counters record usage.
type FakeBackend struct {
	EnrollFunc   func(ctx context.Context, endpoint Endpoint, publicKey string) (*BackendResponse, error)
	ValidateFunc func(ctx context.Context, endpoint Endpoint, signature, payload string) (*BackendResponse, error)

	mu            sync.Mutex
	enrollCalls   int
	validateCalls int
	lastEndpoint  Endpoint
	lastPublicKey string
	lastSignature string
	lastPayload   string
}

// EnrollPublicKey implements Backend.
func (f *FakeBackend) EnrollPublicKey(ctx context.Context, endpoint Endpoint, publicKey string) (*BackendResponse, error) {
	f.mu.Lock()
	f.enrollCalls++
	f.lastEndpoint = endpoint
	f.lastPublicKey = publicKey
	f.mu.Unlock()

	if f.EnrollFunc != nil {
		return f.EnrollFunc(ctx, endpoint, publicKey)
	}
	return &BackendResponse{StatusCode: 200, Data: map[string]interface{}{"enrolled": true}}, nil
}

// ValidateSignature implements Backend.
func (f *FakeBackend) ValidateSignature(ctx context.Context, endpoint Endpoint, signature, payload string) (*BackendResponse, error) {
	f.mu.Lock()
	f.validateCalls++
	f.lastEndpoint = endpoint
	f.lastSignature = signature
	f.lastPayload = payload
	f.mu.Unlock()

	if f.ValidateFunc != nil {
		return f.ValidateFunc(ctx, endpoint, signature, payload)
	}
	return &BackendResponse{StatusCode: 200, Data: map[string]interface{}{"valid": true}}, nil
}

// EnrollCalls reports how many times EnrollPublicKey was invoked.
func (f *FakeBackend) EnrollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrollCalls
}

// ValidateCalls reports how many times ValidateSignature was invoked.
func (f *FakeBackend) ValidateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateCalls
}

// LastEndpoint returns the endpoint from the most recent call.
func (f *FakeBackend) LastEndpoint() Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastEndpoint
}

// LastPublicKey returns the public key from the most recent enrollment.
func (f *FakeBackend) LastPublicKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPublicKey
}

// LastSignature returns the signature from the most recent validation.
func (f *FakeBackend) LastSignature() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSignature
}

// LastPayload returns the payload from the most recent validation.
func (f *FakeBackend) LastPayload() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPayload
}
