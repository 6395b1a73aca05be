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

// Package inventory tracks the live bot connections of the orchestrator: the
// handshake that admits them, the per-session state machines, and the
// registry that dispatch selects instances from.
package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/defaults"
	"github.com/L4DK/unified-bot-protocol/lib/metrics"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// Authenticator is the credential surface the controller needs during a
// handshake. Implemented by lib/auth.
type Authenticator interface {
	// VerifyAPIKey checks a long-lived key.
	VerifyAPIKey(ctx context.Context, botID, key string) error
	// ConsumeOneTimeToken trades an onboarding token for a long-lived key.
	ConsumeOneTimeToken(ctx context.Context, botID, token string) (string, error)
}

// acceptAll is the default ingress policy.
type acceptAll struct{}

func (acceptAll) Verify(*wire.Envelope) error { return nil }

// ControllerConfig holds controller dependencies and tuning.
type ControllerConfig struct {
	// Auth validates handshake credentials. Required.
	Auth Authenticator
	// Registry indexes admitted sessions. Required.
	Registry *Registry
	// OnEvent receives unsolicited agent events.
	OnEvent func(botID, instanceID string, ev *wire.Event)
	// Ingress is run against every inbound envelope before processing.
	Ingress wire.IngressPolicy

	HeartbeatInterval    time.Duration
	HeartbeatGraceFactor int
	HandshakeTimeout     time.Duration
	DrainTimeout         time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *ControllerConfig) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Ingress == nil {
		c.Ingress = acceptAll{}
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
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "inventory")
	}
	return nil
}

// NewController creates the session controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{cfg: cfg}, nil
}

// Controller admits streams through the handshake and owns the resulting
// sessions until they close.
type Controller struct {
	cfg ControllerConfig
}

// RegisterStream runs the handshake on a fresh stream and, on success,
// returns the admitted session with its goroutines started. On any failure
// the stream is closed.
func (c *Controller) RegisterStream(ctx context.Context, stream Stream) (*Session, error) {
	req, traceID, err := c.awaitHandshake(ctx, stream)
	if err != nil {
		stream.Close()
		return nil, trace.Wrap(err)
	}

	issuedKey, err := c.authenticate(ctx, req)
	if err != nil {
		resp := wire.Derived(traceID, &wire.HandshakeResponse{
			Status:       wire.HandshakeAuthFailed,
			ErrorMessage: "authentication failed",
		})
		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		stream.Send(sendCtx, resp)
		cancel()
		stream.Close()
		metrics.EnvelopesProcessed.WithLabelValues(wire.KindHandshakeRequest.String(), "rejected").Inc()
		c.cfg.Logger.WarnContext(ctx, "Handshake authentication failed",
			"bot_id", req.BotID, "instance_id", req.InstanceID)
		return nil, trace.AccessDenied("handshake authentication failed for bot %q", req.BotID)
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	now := c.cfg.Clock.Now()
	s := &Session{
		instanceID:        instanceID,
		botID:             req.BotID,
		capabilities:      append([]string(nil), req.Capabilities...),
		connectedAt:       now,
		stream:            stream,
		clock:             c.cfg.Clock,
		logger:            c.cfg.Logger.With("bot_id", req.BotID, "instance_id", instanceID),
		heartbeatInterval: c.cfg.HeartbeatInterval,
		graceFactor:       c.cfg.HeartbeatGraceFactor,
		drainTimeout:      c.cfg.DrainTimeout,
		onEvent:           c.cfg.OnEvent,
		out:               make(chan *wire.Envelope, defaults.OutboundQueueSize),
		done:              make(chan struct{}),
		status:            types.InstanceStatusActive,
		lastHeartbeat:     now,
		pending:           make(map[string]chan *wire.CommandResponse),
		seen:              newRecentIDs(defaults.RecentMessageIDs),
	}

	if displaced := c.cfg.Registry.Add(s); displaced != nil {
		c.cfg.Logger.InfoContext(ctx, "Displacing superseded session",
			"instance_id", displaced.instanceID)
		displaced.Close(types.CloseReasonSuperseded)
	}
	go func() {
		<-s.Done()
		c.cfg.Registry.Remove(s)
	}()

	// the response is the first frame on the outbound lane, so the agent
	// sees it before any dispatched command
	s.out <- wire.Derived(traceID, &wire.HandshakeResponse{
		Status:            wire.HandshakeSuccess,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		IssuedAPIKey:      issuedKey,
	})
	s.run()

	metrics.EnvelopesProcessed.WithLabelValues(wire.KindHandshakeRequest.String(), "accepted").Inc()
	c.cfg.Logger.InfoContext(ctx, "Session admitted",
		"bot_id", req.BotID, "instance_id", instanceID,
		"capabilities", req.Capabilities, "onboarded", issuedKey != "")
	return s, nil
}

// awaitHandshake reads the first envelope, enforcing the handshake deadline
// and the first-frame-is-a-handshake rule.
func (c *Controller) awaitHandshake(ctx context.Context, stream Stream) (*wire.HandshakeRequest, string, error) {
	type recvResult struct {
		env *wire.Envelope
		err error
	}
	recvC := make(chan recvResult, 1)
	go func() {
		env, err := stream.Recv()
		recvC <- recvResult{env: env, err: err}
	}()

	timer := c.cfg.Clock.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	var env *wire.Envelope
	select {
	case r := <-recvC:
		if r.err != nil {
			return nil, "", trace.Wrap(r.err)
		}
		env = r.env
	case <-timer.Chan():
		return nil, "", trace.LimitExceeded("handshake deadline exceeded")
	case <-ctx.Done():
		return nil, "", trace.Wrap(ctx.Err())
	}

	if err := c.cfg.Ingress.Verify(env); err != nil {
		return nil, "", trace.Wrap(err)
	}
	req, ok := env.Payload.(*wire.HandshakeRequest)
	if !ok {
		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		stream.Send(sendCtx, wire.Derived(env.TraceID, &wire.Error{
			Code:    "BadHandshake",
			Message: "first frame must be a handshake request",
		}))
		cancel()
		return nil, "", trace.BadParameter("expected handshake_request, got %s", env.Payload.Kind())
	}
	if req.BotID == "" || req.AuthToken == "" {
		return nil, "", trace.BadParameter("handshake_request is missing bot_id or auth_token")
	}
	return req, env.TraceID, nil
}

// authenticate resolves the handshake credential. The token is tried as a
// long-lived key first; if that fails it is tried as a one-time onboarding
// token, whose consumption mints the key returned to the agent.
func (c *Controller) authenticate(ctx context.Context, req *wire.HandshakeRequest) (issuedKey string, err error) {
	if err := c.cfg.Auth.VerifyAPIKey(ctx, req.BotID, req.AuthToken); err == nil {
		return "", nil
	}
	key, err := c.cfg.Auth.ConsumeOneTimeToken(ctx, req.BotID, req.AuthToken)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return key, nil
}

// CloseBot force-closes every session of a bot. Used when its definition is
// deleted.
func (c *Controller) CloseBot(botID string, reason types.CloseReason) {
	for _, s := range c.cfg.Registry.SessionsOf(botID) {
		s.Close(reason)
	}
}

// DrainAll moves every session into Draining and blocks until they have all
// closed or ctx expires. Used during graceful shutdown.
func (c *Controller) DrainAll(ctx context.Context) error {
	sessions := c.cfg.Registry.Sessions()
	for _, s := range sessions {
		s.Drain(types.CloseReasonShutdown)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			for _, rest := range sessions {
				rest.Close(types.CloseReasonShutdown)
			}
			return trace.Wrap(ctx.Err())
		}
	}
	return nil
}
