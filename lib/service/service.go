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

// Package service assembles the orchestrator: state store, credential
// service, session controller, dispatcher, task manager, context store and
// the HTTP surface, with ordered startup and graceful drain on shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/auth"
	"github.com/L4DK/unified-bot-protocol/lib/backend"
	"github.com/L4DK/unified-bot-protocol/lib/backend/lite"
	"github.com/L4DK/unified-bot-protocol/lib/backend/memory"
	"github.com/L4DK/unified-bot-protocol/lib/config"
	"github.com/L4DK/unified-bot-protocol/lib/contextstore"
	"github.com/L4DK/unified-bot-protocol/lib/dispatch"
	"github.com/L4DK/unified-bot-protocol/lib/inventory"
	"github.com/L4DK/unified-bot-protocol/lib/metrics"
	"github.com/L4DK/unified-bot-protocol/lib/tasks"
	"github.com/L4DK/unified-bot-protocol/lib/web"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// Core is a fully wired orchestrator process.
type Core struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger *slog.Logger

	backend      backend.Backend
	auth         *auth.Service
	registry     *inventory.Registry
	controller   *inventory.Controller
	dispatcher   *dispatch.Dispatcher
	tasks        *tasks.Manager
	contextStore *contextstore.Store
	handler      *web.Handler
	server       *http.Server
}

// Option overrides a Core dependency, mostly for tests.
type Option func(*Core)

// WithClock injects a clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Core) { c.clock = clock }
}

// New builds the orchestrator from its configuration. Construction order
// follows the dependency chain; nothing serves traffic until Run.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Core{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default().With("component", "service"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := metrics.RegisterCollectors(); err != nil {
		return nil, trace.Wrap(err)
	}

	var err error
	switch cfg.StoreKind {
	case config.StoreSQLite:
		c.backend, err = lite.New(context.Background(), lite.Config{Path: cfg.StorePath, Clock: c.clock})
	default:
		c.backend = memory.New(memory.Config{Clock: c.clock})
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.auth, err = auth.NewService(auth.Config{Backend: c.backend, Clock: c.clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.registry = inventory.NewRegistry()
	c.controller, err = inventory.NewController(inventory.ControllerConfig{
		Auth:                 c.auth,
		Registry:             c.registry,
		OnEvent:              c.logEvent,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatGraceFactor: cfg.HeartbeatGraceFactor,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		DrainTimeout:         cfg.DrainTimeout,
		Clock:                c.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// deleting a definition force-closes its live sessions
	c.auth.OnBotDeleted(func(botID string) {
		c.controller.CloseBot(botID, types.CloseReasonAdminClose)
	})

	c.dispatcher, err = dispatch.NewDispatcher(dispatch.Config{
		Registry:        c.registry,
		DefaultDeadline: cfg.DispatchDeadline,
		Clock:           c.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.tasks, err = tasks.NewManager(tasks.Config{
		Backend:    c.backend,
		Dispatcher: c.dispatcher,
		Clock:      c.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.contextStore, err = contextstore.NewStore(contextstore.Config{
		Backend: c.backend,
		Clock:   c.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.handler, err = web.NewHandler(web.Config{
		Auth:         c.auth,
		Controller:   c.controller,
		Registry:     c.registry,
		Tasks:        c.tasks,
		ContextStore: c.contextStore,
		AdminToken:   cfg.AdminToken,
		Clock:        c.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return c, nil
}

// Handler exposes the HTTP mux, mostly for tests serving it directly.
func (c *Core) Handler() http.Handler { return c.handler }

// Auth exposes the credential service.
func (c *Core) Auth() *auth.Service { return c.auth }

// Registry exposes the session registry.
func (c *Core) Registry() *inventory.Registry { return c.registry }

// logEvent records unsolicited agent events.
func (c *Core) logEvent(botID, instanceID string, ev *wire.Event) {
	c.logger.InfoContext(context.Background(), "Agent event",
		"bot_id", botID, "instance_id", instanceID,
		"event_name", ev.EventName, "payload_bytes", len(ev.Payload))
}

// Run serves until ctx is cancelled, then drains sessions and shuts the
// HTTP surface down within the configured drain timeout.
func (c *Core) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", c.cfg.ListenAddress)
	if err != nil {
		return trace.Wrap(err)
	}
	c.logger.InfoContext(ctx, "Orchestrator listening",
		"address", listener.Addr().String(), "store", string(c.cfg.StoreKind))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := c.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return c.shutdown()
	})
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return trace.Wrap(err)
	}
	return nil
}

func (c *Core) shutdown() error {
	c.logger.Info("Shutting down, draining sessions")
	drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()
	// stop accepting new connections before draining the live sessions
	if err := c.server.Shutdown(drainCtx); err != nil {
		c.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := c.controller.DrainAll(drainCtx); err != nil {
		c.logger.Warn("Session drain timed out", "error", err)
	}
	if err := c.tasks.Close(); err != nil {
		c.logger.Warn("Task manager close failed", "error", err)
	}
	if err := c.contextStore.Close(); err != nil {
		c.logger.Warn("Context store close failed", "error", err)
	}
	if err := c.backend.Close(); err != nil {
		c.logger.Warn("State store close failed", "error", err)
	}
	c.logger.Info("Shutdown complete")
	return nil
}
