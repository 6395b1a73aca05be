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

// Command ubpd runs the bot fleet orchestrator. Configuration is read from
// the environment; flags override individual settings. Exits 0 on clean
// shutdown, 1 on configuration errors and 2 on runtime failures.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/L4DK/unified-bot-protocol/lib/config"
	"github.com/L4DK/unified-bot-protocol/lib/logutils"
	"github.com/L4DK/unified-bot-protocol/lib/service"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("ubpd", "Unified Bot Protocol orchestrator daemon")
	listen := app.Flag("listen", "Address to serve the websocket and admin API on").String()
	adminToken := app.Flag("admin-token", "Bearer token for the admin API").String()
	storeURL := app.Flag("store", "State store URL, memory:// or sqlite:<path>").String()
	debug := app.Flag("debug", "Enable debug logging").Bool()
	logFormat := app.Flag("log-format", "Log format, json or text").String()

	if _, err := app.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	// flags override their environment counterparts
	overrides := map[string]string{
		"LISTEN_ADDRESS":  *listen,
		"ADMIN_TOKEN":     *adminToken,
		"STATE_STORE_URL": *storeURL,
		"LOG_FORMAT":      *logFormat,
	}
	for name, value := range overrides {
		if value != "" {
			os.Setenv(name, value)
		}
	}
	if *debug {
		os.Setenv("DEBUG", "true")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	logger := logutils.Initialize(logutils.Config{
		Output: os.Stderr,
		Debug:  cfg.Debug,
		Format: cfg.LogFormat,
	})

	core, err := service.New(cfg)
	if err != nil {
		logger.Error("Failed to start orchestrator", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Run(ctx); err != nil {
		logger.Error("Orchestrator exited with error", "error", err)
		return 2
	}
	return 0
}
