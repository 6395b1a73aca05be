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

// Package config loads orchestrator settings from the environment. Every
// tunable has a default from lib/defaults; only ADMIN_TOKEN is mandatory.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/L4DK/unified-bot-protocol/lib/defaults"
)

// StoreKind selects the state store implementation.
type StoreKind string

const (
	// StoreMemory keeps all state in process memory.
	StoreMemory StoreKind = "memory"
	// StoreSQLite persists state to a sqlite database file.
	StoreSQLite StoreKind = "sqlite"
)

// Config is the resolved orchestrator configuration.
type Config struct {
	// ListenAddress is the host:port the HTTP surface binds to.
	ListenAddress string
	// AdminToken protects the admin API. Required.
	AdminToken string

	HeartbeatInterval    time.Duration
	HeartbeatGraceFactor int
	HandshakeTimeout     time.Duration
	DrainTimeout         time.Duration
	DispatchDeadline     time.Duration

	// StoreKind and StorePath describe the state store. StorePath is only
	// meaningful for sqlite.
	StoreKind StoreKind
	StorePath string

	// Debug lowers the log level to debug.
	Debug bool
	// LogFormat is "text" or "json".
	LogFormat string
}

// FromEnv reads the configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress: os.Getenv("LISTEN_ADDRESS"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		Debug:         boolEnv("DEBUG"),
		LogFormat:     os.Getenv("LOG_FORMAT"),
	}
	var err error
	if cfg.HeartbeatInterval, err = secondsEnv("HEARTBEAT_INTERVAL_SEC"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.HandshakeTimeout, err = secondsEnv("HANDSHAKE_TIMEOUT_SEC"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.DrainTimeout, err = secondsEnv("DRAIN_TIMEOUT_SEC"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.DispatchDeadline, err = secondsEnv("DISPATCH_DEFAULT_DEADLINE_SEC"); err != nil {
		return nil, trace.Wrap(err)
	}
	if raw := os.Getenv("HEARTBEAT_GRACE_FACTOR"); raw != "" {
		factor, err := strconv.Atoi(raw)
		if err != nil || factor <= 0 {
			return nil, trace.BadParameter("HEARTBEAT_GRACE_FACTOR must be a positive integer, got %q", raw)
		}
		cfg.HeartbeatGraceFactor = factor
	}
	if err := cfg.parseStoreURL(os.Getenv("STATE_STORE_URL")); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// parseStoreURL accepts "memory://", "sqlite:<path>" or "sqlite://<path>".
// An empty value selects the in-memory store.
func (c *Config) parseStoreURL(raw string) error {
	switch {
	case raw == "" || raw == "memory://" || raw == "memory:":
		c.StoreKind = StoreMemory
	case strings.HasPrefix(raw, "sqlite:"):
		path := strings.TrimPrefix(raw, "sqlite:")
		path = strings.TrimPrefix(path, "//")
		if path == "" {
			return trace.BadParameter("STATE_STORE_URL sqlite scheme requires a path, got %q", raw)
		}
		c.StoreKind = StoreSQLite
		c.StorePath = path
	default:
		return trace.BadParameter("unsupported STATE_STORE_URL %q, expected memory:// or sqlite:<path>", raw)
	}
	return nil
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.AdminToken == "" {
		return trace.BadParameter("ADMIN_TOKEN is required")
	}
	if c.ListenAddress == "" {
		c.ListenAddress = defaults.ListenAddress
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.HeartbeatGraceFactor <= 0 {
		c.HeartbeatGraceFactor = defaults.HeartbeatGraceFactor
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
	if c.DispatchDeadline <= 0 {
		c.DispatchDeadline = defaults.DispatchDeadline
	}
	if c.StoreKind == "" {
		c.StoreKind = StoreMemory
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		return trace.BadParameter("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func secondsEnv(name string) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, trace.BadParameter("%s must be a positive integer of seconds, got %q", name, raw)
	}
	return time.Duration(seconds) * time.Second, nil
}

func boolEnv(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
