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

// Package botagent implements a reference agent: it onboards with a
// one-time token, keeps a persistent session with heartbeats, executes
// dispatched commands through registered handlers, and reconnects with
// exponential backoff.
package botagent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/lib/utils/retryutils"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// ErrInvalidArguments marks handler failures caused by bad command
// arguments; handlers wrap it so the server reports INVALID_ARGUMENTS
// instead of EXECUTION_ERROR.
var ErrInvalidArguments = errors.New("invalid arguments")

// HandlerFunc executes one command. The progress callback streams partial
// completion percentages to the orchestrator.
type HandlerFunc func(ctx context.Context, args []byte, progress func(int)) ([]byte, error)

// Config holds the agent identity and connection parameters.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://127.0.0.1:8000/v1/connect.
	ServerURL string
	// BotID identifies the bot definition this agent runs.
	BotID string
	// InstanceID distinguishes this agent process. Defaults to a random id;
	// a stable value lets reconnects displace the stale session.
	InstanceID string
	// OneTimeToken onboards the agent when no APIKey is known yet.
	OneTimeToken string
	// APIKey is the long-lived credential from a previous onboarding.
	APIKey string
	// Capabilities announces what commands this instance serves.
	Capabilities []string
	// Subprotocol selects the wire encoding. Defaults to the binary codec.
	Subprotocol string
	// OnAPIKey is called with the minted key after onboarding so callers
	// can persist it.
	OnAPIKey func(apiKey string)

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.ServerURL == "" {
		return trace.BadParameter("missing parameter ServerURL")
	}
	if c.BotID == "" {
		return trace.BadParameter("missing parameter BotID")
	}
	if c.OneTimeToken == "" && c.APIKey == "" {
		return trace.BadParameter("either OneTimeToken or APIKey is required")
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Subprotocol == "" {
		c.Subprotocol = wire.SubprotocolBinary
	}
	if _, err := wire.CodecFor(c.Subprotocol); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "botagent")
	}
	return nil
}

// New creates an agent.
func New(cfg Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	codec, err := wire.CodecFor(cfg.Subprotocol)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Agent{
		cfg:      cfg,
		codec:    codec,
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Agent is a reference UBP agent.
type Agent struct {
	cfg   Config
	codec wire.Codec

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	apiKey   string
}

// Handle registers a command handler. Commands without a handler are
// answered with EXECUTION_ERROR.
func (a *Agent) Handle(commandName string, fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[commandName] = fn
}

// Run connects and serves until ctx is cancelled. Transport failures
// reconnect with exponential backoff; a rejected credential is terminal.
func (a *Agent) Run(ctx context.Context) error {
	retry, err := retryutils.NewExponential(retryutils.ExponentialConfig{
		Base:   time.Second,
		Max:    time.Minute,
		Jitter: retryutils.NewQuarterJitter(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	a.mu.Lock()
	a.apiKey = a.cfg.APIKey
	a.mu.Unlock()

	for {
		err := a.serve(ctx, retry.Reset)
		if ctx.Err() != nil {
			return nil
		}
		if trace.IsAccessDenied(err) {
			return trace.Wrap(err)
		}
		backoff := retry.Duration()
		retry.Inc()
		a.cfg.Logger.WarnContext(ctx, "Connection lost, reconnecting",
			"error", err, "backoff", backoff)
		timer := a.cfg.Clock.NewTimer(backoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
		timer.Stop()
	}
}

// serve runs one connection: dial, handshake, then heartbeats and command
// execution until the connection fails. onEstablished is called once the
// handshake succeeds so the caller can reset its reconnect backoff.
func (a *Agent) serve(ctx context.Context, onEstablished func()) error {
	dialer := websocket.Dialer{
		Subprotocols:     []string{a.cfg.Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return trace.ConnectionProblem(err, "failed to dial %s", a.cfg.ServerURL)
	}
	defer conn.Close()

	interval, err := a.handshake(conn)
	if err != nil {
		return trace.Wrap(err)
	}
	onEstablished()

	var writeMu sync.Mutex
	send := func(env *wire.Envelope) error {
		data, err := a.encode(env)
		if err != nil {
			return trace.Wrap(err)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return trace.Wrap(conn.WriteMessage(a.messageType(), data))
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// heartbeat loop
	go func() {
		ticker := a.cfg.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if err := send(wire.NewEnvelope(&wire.Heartbeat{SentAt: a.cfg.Clock.Now()})); err != nil {
					cancel()
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		env, err := a.readEnvelope(conn)
		if err != nil {
			return trace.Wrap(err)
		}
		switch p := env.Payload.(type) {
		case *wire.CommandRequest:
			go a.execute(connCtx, send, env.TraceID, p)
		case *wire.Error:
			a.cfg.Logger.WarnContext(ctx, "Server reported protocol error",
				"code", p.Code, "message", p.Message)
			return trace.BadParameter("server error: %s", p.Message)
		case *wire.Event:
			a.cfg.Logger.InfoContext(ctx, "Server event",
				"event_name", p.EventName)
		default:
			// ignore unexpected kinds for forward compatibility
		}
	}
}

// handshake authenticates the connection and returns the heartbeat interval
// assigned by the server.
func (a *Agent) handshake(conn *websocket.Conn) (time.Duration, error) {
	a.mu.Lock()
	token := a.apiKey
	onboarding := token == ""
	if onboarding {
		token = a.cfg.OneTimeToken
	}
	a.mu.Unlock()

	req := wire.NewEnvelope(&wire.HandshakeRequest{
		BotID:        a.cfg.BotID,
		InstanceID:   a.cfg.InstanceID,
		AuthToken:    token,
		Capabilities: a.cfg.Capabilities,
	})
	data, err := a.encode(req)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if err := conn.WriteMessage(a.messageType(), data); err != nil {
		return 0, trace.ConnectionProblem(err, "handshake write failed")
	}

	env, err := a.readEnvelope(conn)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	resp, ok := env.Payload.(*wire.HandshakeResponse)
	if !ok {
		return 0, trace.BadParameter("expected handshake_response, got %s", env.Payload.Kind())
	}
	if resp.Status != wire.HandshakeSuccess {
		return 0, trace.AccessDenied("handshake rejected: %s", resp.ErrorMessage)
	}
	if resp.IssuedAPIKey != "" {
		a.mu.Lock()
		a.apiKey = resp.IssuedAPIKey
		a.mu.Unlock()
		if a.cfg.OnAPIKey != nil {
			a.cfg.OnAPIKey(resp.IssuedAPIKey)
		}
		a.cfg.Logger.InfoContext(context.Background(), "Onboarding complete, API key stored",
			"bot_id", a.cfg.BotID)
	}
	interval := resp.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a.cfg.Logger.InfoContext(context.Background(), "Session established",
		"bot_id", a.cfg.BotID, "instance_id", a.cfg.InstanceID,
		"heartbeat_interval", interval)
	return interval, nil
}

// execute runs one command handler and reports its outcome.
func (a *Agent) execute(ctx context.Context, send func(*wire.Envelope) error, traceID string, req *wire.CommandRequest) {
	a.mu.Lock()
	fn, ok := a.handlers[req.CommandName]
	a.mu.Unlock()
	if !ok {
		send(wire.Derived(traceID, &wire.CommandResponse{
			CommandID:    req.CommandID,
			Status:       wire.CommandExecutionError,
			ErrorMessage: "no handler for command " + req.CommandName,
		}))
		return
	}

	runCtx := ctx
	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}
	progress := func(p int) {
		send(wire.Derived(traceID, &wire.CommandResponse{
			CommandID: req.CommandID,
			Status:    wire.CommandProgress,
			Progress:  p,
		}))
	}

	result, err := fn(runCtx, req.Arguments, progress)
	resp := &wire.CommandResponse{CommandID: req.CommandID}
	switch {
	case err == nil:
		resp.Status = wire.CommandSuccess
		resp.Result = result
	case errors.Is(err, ErrInvalidArguments):
		resp.Status = wire.CommandInvalidArguments
		resp.ErrorMessage = err.Error()
	default:
		resp.Status = wire.CommandExecutionError
		resp.ErrorMessage = err.Error()
	}
	if err := send(wire.Derived(traceID, resp)); err != nil {
		a.cfg.Logger.WarnContext(ctx, "Failed to send command response",
			"command_id", req.CommandID, "error", err)
	}
}

func (a *Agent) messageType() int {
	if a.cfg.Subprotocol == wire.SubprotocolJSON {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

func (a *Agent) encode(env *wire.Envelope) ([]byte, error) {
	data, err := a.codec.Encode(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if a.cfg.Subprotocol == wire.SubprotocolJSON {
		return data, nil
	}
	var framed bytes.Buffer
	if err := wire.WriteFrame(&framed, data); err != nil {
		return nil, trace.Wrap(err)
	}
	return framed.Bytes(), nil
}

func (a *Agent) readEnvelope(conn *websocket.Conn) (*wire.Envelope, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "read failed")
	}
	if a.cfg.Subprotocol != wire.SubprotocolJSON {
		data, err = wire.ReadFrame(bytes.NewReader(data))
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	env, err := a.codec.Decode(data)
	return env, trace.Wrap(err)
}
