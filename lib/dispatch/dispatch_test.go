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

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/inventory"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

type fixedAuth struct{ key string }

func (f fixedAuth) VerifyAPIKey(ctx context.Context, botID, key string) error {
	if key == f.key {
		return nil
	}
	return trace.AccessDenied("invalid credentials")
}

func (f fixedAuth) ConsumeOneTimeToken(ctx context.Context, botID, token string) (string, error) {
	return "", trace.AccessDenied("invalid credentials")
}

type fixture struct {
	registry *inventory.Registry
	ctrl     *inventory.Controller
	clock    *clockwork.FakeClock
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := inventory.NewRegistry()
	clock := clockwork.NewFakeClock()
	ctrl, err := inventory.NewController(inventory.ControllerConfig{
		Auth:     fixedAuth{key: "key"},
		Registry: registry,
		Clock:    clock,
	})
	require.NoError(t, err)
	d, err := NewDispatcher(Config{Registry: registry, Clock: clock})
	require.NoError(t, err)
	return &fixture{registry: registry, ctrl: ctrl, clock: clock, d: d}
}

// echoAgent admits a session whose agent side answers every command with the
// responses produced by reply.
func (f *fixture) echoAgent(t *testing.T, botID, instanceID string, capabilities []string, reply func(req *wire.CommandRequest) []*wire.CommandResponse) *inventory.Session {
	t.Helper()
	agent, server := inventory.Pipe()
	ctx := context.Background()
	require.NoError(t, agent.Send(ctx, wire.NewEnvelope(&wire.HandshakeRequest{
		BotID:        botID,
		InstanceID:   instanceID,
		AuthToken:    "key",
		Capabilities: capabilities,
	})))
	sess, err := f.ctrl.RegisterStream(ctx, server)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close(types.CloseReasonShutdown) })

	go func() {
		for {
			env, err := agent.Recv()
			if err != nil {
				return
			}
			req, ok := env.Payload.(*wire.CommandRequest)
			if !ok {
				continue
			}
			if reply == nil {
				continue
			}
			for _, resp := range reply(req) {
				if err := agent.Send(ctx, wire.Derived(env.TraceID, resp)); err != nil {
					return
				}
			}
		}
	}()
	return sess
}

func TestDispatchSuccess(t *testing.T) {
	f := newFixture(t)
	f.echoAgent(t, "bot-1", "i-1", []string{"trade.execute"}, func(req *wire.CommandRequest) []*wire.CommandResponse {
		return []*wire.CommandResponse{{
			CommandID: req.CommandID,
			Status:    wire.CommandSuccess,
			Result:    []byte(`{"filled":true}`),
		}}
	})

	result, err := f.d.Dispatch(context.Background(), Request{
		BotID:       "bot-1",
		Capability:  "trade.execute",
		CommandName: "trade.execute",
		Arguments:   []byte(`{"qty":1}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"filled":true}`, string(result))
}

func TestDispatchProgressThenResult(t *testing.T) {
	f := newFixture(t)
	f.echoAgent(t, "bot-1", "i-1", nil, func(req *wire.CommandRequest) []*wire.CommandResponse {
		return []*wire.CommandResponse{
			{CommandID: req.CommandID, Status: wire.CommandProgress, Progress: 40},
			{CommandID: req.CommandID, Status: wire.CommandProgress, Progress: 80},
			{CommandID: req.CommandID, Status: wire.CommandSuccess},
		}
	})

	var mu sync.Mutex
	var seen []int
	_, err := f.d.Dispatch(context.Background(), Request{
		BotID:       "bot-1",
		CommandName: "backfill",
		OnProgress: func(p int) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int{40, 80}, seen)
}

func TestDispatchExecutionError(t *testing.T) {
	f := newFixture(t)
	f.echoAgent(t, "bot-1", "i-1", nil, func(req *wire.CommandRequest) []*wire.CommandResponse {
		return []*wire.CommandResponse{{
			CommandID:    req.CommandID,
			Status:       wire.CommandExecutionError,
			ErrorMessage: "exchange rejected order",
		}}
	})

	_, err := f.d.Dispatch(context.Background(), Request{BotID: "bot-1", CommandName: "trade.execute"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "exchange rejected order", execErr.Message)
	require.False(t, IsRetryable(err))
}

func TestDispatchInvalidArguments(t *testing.T) {
	f := newFixture(t)
	f.echoAgent(t, "bot-1", "i-1", nil, func(req *wire.CommandRequest) []*wire.CommandResponse {
		return []*wire.CommandResponse{{
			CommandID:    req.CommandID,
			Status:       wire.CommandInvalidArguments,
			ErrorMessage: "qty must be positive",
		}}
	})

	_, err := f.d.Dispatch(context.Background(), Request{BotID: "bot-1", CommandName: "trade.execute"})
	var argErr *InvalidArgumentsError
	require.ErrorAs(t, err, &argErr)
	require.False(t, IsRetryable(err))
}

func TestDispatchNoCapableInstance(t *testing.T) {
	f := newFixture(t)
	f.echoAgent(t, "bot-1", "i-1", []string{"report.daily"}, nil)

	_, err := f.d.Dispatch(context.Background(), Request{
		BotID:       "bot-1",
		Capability:  "trade.execute",
		CommandName: "trade.execute",
	})
	require.ErrorIs(t, err, ErrNoCapableInstance)
	require.True(t, IsRetryable(err))
}

func TestDispatchInstanceGone(t *testing.T) {
	f := newFixture(t)
	gone := make(chan *inventory.Session, 1)
	sess := f.echoAgent(t, "bot-1", "i-1", nil, func(req *wire.CommandRequest) []*wire.CommandResponse {
		s := <-gone
		s.Close(types.CloseReasonTransport)
		return nil
	})
	gone <- sess

	_, err := f.d.Dispatch(context.Background(), Request{BotID: "bot-1", CommandName: "trade.execute"})
	require.ErrorIs(t, err, ErrInstanceGone)
	require.True(t, IsRetryable(err))
}

func TestDispatchTimeout(t *testing.T) {
	f := newFixture(t)
	f.echoAgent(t, "bot-1", "i-1", nil, nil) // never answers

	errC := make(chan error, 1)
	go func() {
		_, err := f.d.Dispatch(context.Background(), Request{
			BotID:       "bot-1",
			CommandName: "trade.execute",
			Deadline:    5 * time.Second,
		})
		errC <- err
	}()

	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		select {
		case err := <-errC:
			require.ErrorIs(t, err, ErrTimeout)
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatchCancelled(t *testing.T) {
	f := newFixture(t)
	f.echoAgent(t, "bot-1", "i-1", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() {
		_, err := f.d.Dispatch(ctx, Request{BotID: "bot-1", CommandName: "trade.execute"})
		errC <- err
	}()
	cancel()
	require.True(t, errors.Is(<-errC, ErrCancelled))
}
