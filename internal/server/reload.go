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

package server

import (
	"fmt"

	"github.com/jeremyhahn/go-webcontrol/internal/config"
	"github.com/jeremyhahn/go-webcontrol/pkg/bridge"
)

// Reload applies the reloadable parts of a new configuration to the
// running application: the backend endpoints. Server binding, keystore,
// logging, and rate limit changes require a restart.
func (a *App) Reload(cfg *config.Config) error {
	a.log.Info("reloading configuration")

	enroll := endpointFromConfig(cfg.Endpoints.Enroll)
	if err := a.bridge.UpdateConfiguration(bridge.EndpointEnroll, enroll); err != nil {
		return fmt.Errorf("failed to reload enroll endpoint: %w", err)
	}

	validate := endpointFromConfig(cfg.Endpoints.Validate)
	if err := a.bridge.UpdateConfiguration(bridge.EndpointValidate, validate); err != nil {
		return fmt.Errorf("failed to reload validate endpoint: %w", err)
	}

	a.mu.Lock()
	a.cfg.Endpoints = cfg.Endpoints
	a.mu.Unlock()

	a.log.Info("endpoint configuration reloaded")
	return nil
}
