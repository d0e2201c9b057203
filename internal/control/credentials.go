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
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// DefaultUsername is the fixed username for the control server. Only the
// password varies per run.
const DefaultUsername = "admin"

// Credentials is the single-use Basic auth pair minted on each server
// start and destroyed on stop.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// GenerateCredentials mints a fresh credential pair: the fixed username
// and a random 6-digit numeric password from crypto/rand.
func GenerateCredentials() (*Credentials, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return nil, fmt.Errorf("failed to generate password: %w", err)
	}
	return &Credentials{
		Username: DefaultUsername,
		Password: fmt.Sprintf("%06d", n.Int64()),
	}, nil
}

// Verify reports whether the supplied pair matches. Comparison is
// constant-time so response timing reveals nothing about the password.
func (c *Credentials) Verify(username, password string) bool {
	if c == nil {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.Password))
	return userOK&passOK == 1
}

// BasicAuthorization returns the Authorization header value a client
// should send for the given pair.
func BasicAuthorization(username, password string) string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token
}

// authOutcome is the result of parsing an Authorization header, before
// the credentials themselves are checked.
type authOutcome int

const (
	authMissing authOutcome = iota
	authBadFormat
	authParsed
)

// parseBasicAuth extracts the username and password from an
// Authorization header value.
func parseBasicAuth(header string) (username, password string, outcome authOutcome) {
	if header == "" {
		return "", "", authMissing
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", authBadFormat
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", "", authBadFormat
	}

	username, password, found = strings.Cut(string(decoded), ":")
	if !found {
		return "", "", authBadFormat
	}
	return username, password, authParsed
}
