/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/lib/defaults"
)

func TestDefaults(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, defaults.ListenAddress, cfg.ListenAddress)
	require.Equal(t, defaults.HeartbeatInterval, cfg.HeartbeatInterval)
	require.Equal(t, defaults.HeartbeatGraceFactor, cfg.HeartbeatGraceFactor)
	require.Equal(t, defaults.HandshakeTimeout, cfg.HandshakeTimeout)
	require.Equal(t, StoreMemory, cfg.StoreKind)
	require.Equal(t, "text", cfg.LogFormat)
	require.False(t, cfg.Debug)
}

func TestAdminTokenRequired(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestOverrides(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("LISTEN_ADDRESS", "0.0.0.0:9000")
	t.Setenv("HEARTBEAT_INTERVAL_SEC", "10")
	t.Setenv("HEARTBEAT_GRACE_FACTOR", "5")
	t.Setenv("HANDSHAKE_TIMEOUT_SEC", "3")
	t.Setenv("DRAIN_TIMEOUT_SEC", "15")
	t.Setenv("DISPATCH_DEFAULT_DEADLINE_SEC", "20")
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 5, cfg.HeartbeatGraceFactor)
	require.Equal(t, 3*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 15*time.Second, cfg.DrainTimeout)
	require.Equal(t, 20*time.Second, cfg.DispatchDeadline)
	require.True(t, cfg.Debug)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestStoreURL(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")

	t.Setenv("STATE_STORE_URL", "sqlite:/var/lib/ubp/state.db")
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, StoreSQLite, cfg.StoreKind)
	require.Equal(t, "/var/lib/ubp/state.db", cfg.StorePath)

	t.Setenv("STATE_STORE_URL", "memory://")
	cfg, err = FromEnv()
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.StoreKind)

	t.Setenv("STATE_STORE_URL", "postgres://nope")
	_, err = FromEnv()
	require.Error(t, err)

	t.Setenv("STATE_STORE_URL", "sqlite:")
	_, err = FromEnv()
	require.Error(t, err)
}

func TestInvalidNumbers(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")

	t.Setenv("HEARTBEAT_INTERVAL_SEC", "zero")
	_, err := FromEnv()
	require.Error(t, err)

	t.Setenv("HEARTBEAT_INTERVAL_SEC", "")
	t.Setenv("HEARTBEAT_GRACE_FACTOR", "-1")
	_, err = FromEnv()
	require.Error(t, err)
}
