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

package control

import (
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCredentials(t *testing.T) {
	creds, err := GenerateCredentials()
	require.NoError(t, err)
	require.NotNil(t, creds)

	assert.Equal(t, DefaultUsername, creds.Username)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), creds.Password)
}

func TestGenerateCredentialsVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		creds, err := GenerateCredentials()
		require.NoError(t, err)
		seen[creds.Password] = true
	}
	// 50 independent draws from a million-value space should not all
	// collide; a single repeated value means the generator is broken.
	assert.Greater(t, len(seen), 1)
}

func TestCredentialsVerify(t *testing.T) {
	creds := &Credentials{Username: "admin", Password: "123456"}

	assert.True(t, creds.Verify("admin", "123456"))
	assert.False(t, creds.Verify("admin", "654321"))
	assert.False(t, creds.Verify("root", "123456"))
	assert.False(t, creds.Verify("", ""))
}

func TestCredentialsVerifyNil(t *testing.T) {
	var creds *Credentials
	assert.False(t, creds.Verify("admin", "123456"))
}

func TestBasicAuthorization(t *testing.T) {
	header := BasicAuthorization("admin", "123456")

	user, pass, outcome := parseBasicAuth(header)
	assert.Equal(t, authParsed, outcome)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "123456", pass)
}

func TestParseBasicAuth(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("admin:123456"))

	tests := []struct {
		name     string
		header   string
		outcome  authOutcome
		wantUser string
		wantPass string
	}{
		{
			name:     "valid",
			header:   "Basic " + encoded,
			outcome:  authParsed,
			wantUser: "admin",
			wantPass: "123456",
		},
		{
			name:     "scheme is case-insensitive",
			header:   "basic " + encoded,
			outcome:  authParsed,
			wantUser: "admin",
			wantPass: "123456",
		},
		{
			name:    "missing header",
			header:  "",
			outcome: authMissing,
		},
		{
			name:    "wrong scheme",
			header:  "Bearer abc123",
			outcome: authBadFormat,
		},
		{
			name:    "no scheme separator",
			header:  "Basic",
			outcome: authBadFormat,
		},
		{
			name:    "invalid base64",
			header:  "Basic !!!not-base64!!!",
			outcome: authBadFormat,
		},
		{
			name:    "missing colon",
			header:  "Basic " + base64.StdEncoding.EncodeToString([]byte("admin123456")),
			outcome: authBadFormat,
		},
		{
			name:     "password containing colon",
			header:   "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:12:34:56")),
			outcome:  authParsed,
			wantUser: "admin",
			wantPass: "12:34:56",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, pass, outcome := parseBasicAuth(tt.header)
			assert.Equal(t, tt.outcome, outcome)
			if tt.outcome == authParsed {
				assert.Equal(t, tt.wantUser, user)
				assert.Equal(t, tt.wantPass, pass)
			}
		})
	}
}
