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

// Package dispatch routes commands to connected bot instances and correlates
// their responses. A dispatch is synchronous from the caller's point of
// view: it selects an instance, ships the command, and blocks until a
// terminal response, the deadline, or the instance going away.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/lib/defaults"
	"github.com/L4DK/unified-bot-protocol/lib/inventory"
	"github.com/L4DK/unified-bot-protocol/lib/metrics"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// Sentinel failure modes. Callers distinguish them with errors.Is; the first
// two are the only retryable ones.
var (
	// ErrNoCapableInstance means no Active session matched the selector.
	ErrNoCapableInstance = errors.New("no capable instance")
	// ErrInstanceGone means the selected session closed before a terminal
	// response arrived.
	ErrInstanceGone = errors.New("instance gone")
	// ErrTimeout means the dispatch deadline expired. The command may still
	// be running on the agent.
	ErrTimeout = errors.New("dispatch deadline exceeded")
	// ErrCancelled means the caller's context was cancelled.
	ErrCancelled = errors.New("dispatch cancelled")
)

// ExecutionError carries an agent-reported command failure.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command execution failed: %s", e.Message)
}

// InvalidArgumentsError means the agent rejected the command arguments.
type InvalidArgumentsError struct {
	Message string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid command arguments: %s", e.Message)
}

// IsRetryable reports whether a dispatch failure may succeed on a later
// attempt against another (or reconnected) instance. Timeouts are not
// retryable: the command may have executed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoCapableInstance) || errors.Is(err, ErrInstanceGone)
}

// Request describes one command dispatch.
type Request struct {
	// BotID restricts selection to instances of this bot. Optional if
	// Capability is set.
	BotID string
	// Capability restricts selection to instances announcing it.
	Capability string
	// CommandName is the command to run.
	CommandName string
	// Arguments is the opaque argument document.
	Arguments []byte
	// Deadline bounds the round trip. Zero means the configured default.
	Deadline time.Duration
	// TraceID propagates the caller's trace. Empty mints a fresh one.
	TraceID string
	// OnProgress, when set, receives non-terminal progress percentages.
	OnProgress func(progress int)
}

// Config holds dispatcher dependencies.
type Config struct {
	// Registry selects target sessions. Required.
	Registry *inventory.Registry
	// DefaultDeadline applies when a Request carries none.
	DefaultDeadline time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = defaults.DispatchDeadline
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "dispatch")
	}
	return nil
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{cfg: cfg}, nil
}

// Dispatcher routes commands through the session registry.
type Dispatcher struct {
	cfg Config
}

// Dispatch runs one command and returns the agent's result document.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]byte, error) {
	if req.CommandName == "" {
		return nil, trace.BadParameter("missing parameter CommandName")
	}
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = d.cfg.DefaultDeadline
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	sess, err := d.cfg.Registry.Select(req.BotID, req.Capability)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(ErrNoCapableInstance)
		}
		return nil, trace.Wrap(err)
	}

	cmd := &wire.CommandRequest{
		CommandID:   uuid.NewString(),
		CommandName: req.CommandName,
		Arguments:   req.Arguments,
		TimeoutSec:  int(deadline / time.Second),
	}
	respC, release, err := sess.SendCommand(traceID, cmd)
	if err != nil {
		// the session raced into Draining or Closed after selection
		return nil, trace.Wrap(ErrInstanceGone)
	}
	defer release()

	d.cfg.Logger.DebugContext(ctx, "Dispatched command",
		"command_id", cmd.CommandID, "command_name", cmd.CommandName,
		"bot_id", sess.BotID(), "instance_id", sess.InstanceID(), "trace_id", traceID)

	start := d.cfg.Clock.Now()
	timer := d.cfg.Clock.NewTimer(deadline)
	defer timer.Stop()

	finish := func(resp *wire.CommandResponse) ([]byte, error) {
		metrics.CommandLatency.WithLabelValues(cmd.CommandName).
			Observe(d.cfg.Clock.Now().Sub(start).Seconds())
		switch resp.Status {
		case wire.CommandSuccess:
			return resp.Result, nil
		case wire.CommandExecutionError:
			return nil, trace.Wrap(&ExecutionError{Message: resp.ErrorMessage})
		case wire.CommandInvalidArguments:
			return nil, trace.Wrap(&InvalidArgumentsError{Message: resp.ErrorMessage})
		default:
			return nil, trace.BadParameter("unknown command status %q", resp.Status)
		}
	}
	for {
		select {
		case resp := <-respC:
			if resp.Status == wire.CommandProgress {
				if req.OnProgress != nil {
					req.OnProgress(resp.Progress)
				}
				continue
			}
			return finish(resp)
		case <-sess.Done():
			// a terminal response may have raced the close
			select {
			case resp := <-respC:
				if resp.Status != wire.CommandProgress {
					return finish(resp)
				}
			default:
			}
			return nil, trace.Wrap(ErrInstanceGone)
		case <-timer.Chan():
			d.cfg.Logger.WarnContext(ctx, "Command deadline exceeded",
				"command_id", cmd.CommandID, "command_name", cmd.CommandName,
				"instance_id", sess.InstanceID())
			return nil, trace.Wrap(ErrTimeout)
		case <-ctx.Done():
			return nil, trace.Wrap(ErrCancelled)
		}
	}
}
