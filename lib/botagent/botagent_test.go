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

package botagent

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/auth"
	"github.com/L4DK/unified-bot-protocol/lib/backend/memory"
	"github.com/L4DK/unified-bot-protocol/lib/contextstore"
	"github.com/L4DK/unified-bot-protocol/lib/dispatch"
	"github.com/L4DK/unified-bot-protocol/lib/inventory"
	"github.com/L4DK/unified-bot-protocol/lib/tasks"
	"github.com/L4DK/unified-bot-protocol/lib/web"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

type stack struct {
	srv        *httptest.Server
	authSvc    *auth.Service
	registry   *inventory.Registry
	dispatcher *dispatch.Dispatcher
}

func (s *stack) connectURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/connect"
}

func newStack(t *testing.T) *stack {
	t.Helper()
	bk := memory.New(memory.Config{})
	t.Cleanup(func() { bk.Close() })

	authSvc, err := auth.NewService(auth.Config{Backend: bk})
	require.NoError(t, err)
	registry := inventory.NewRegistry()
	ctrl, err := inventory.NewController(inventory.ControllerConfig{
		Auth:     authSvc,
		Registry: registry,
	})
	require.NoError(t, err)
	d, err := dispatch.NewDispatcher(dispatch.Config{
		Registry:        registry,
		DefaultDeadline: 5 * time.Second,
	})
	require.NoError(t, err)
	taskMgr, err := tasks.NewManager(tasks.Config{
		Backend:     bk,
		Dispatcher:  d,
		Retries:     1,
		BackoffBase: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { taskMgr.Close() })
	store, err := contextstore.NewStore(contextstore.Config{Backend: bk})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	handler, err := web.NewHandler(web.Config{
		Auth:         authSvc,
		Controller:   ctrl,
		Registry:     registry,
		Tasks:        taskMgr,
		ContextStore: store,
		AdminToken:   "admin",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, authSvc: authSvc, registry: registry, dispatcher: d}
}

func TestAgentOnboardingAndCommands(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def, token, err := s.authSvc.CreateBot(ctx, &types.BotDefinition{
		Name:         "echoer",
		AdapterType:  "go",
		Capabilities: []string{"echo"},
	})
	require.NoError(t, err)

	var mintedKey atomic.Value
	agent, err := New(Config{
		ServerURL:    s.connectURL(),
		BotID:        def.BotID,
		InstanceID:   "agent-1",
		OneTimeToken: token,
		Capabilities: []string{"echo"},
		Subprotocol:  wire.SubprotocolJSON,
		OnAPIKey:     func(key string) { mintedKey.Store(key) },
	})
	require.NoError(t, err)
	agent.Handle("echo", func(ctx context.Context, args []byte, progress func(int)) ([]byte, error) {
		progress(50)
		return args, nil
	})
	agent.Handle("fail", func(ctx context.Context, args []byte, progress func(int)) ([]byte, error) {
		return nil, fmt.Errorf("deliberate failure")
	})
	agent.Handle("badargs", func(ctx context.Context, args []byte, progress func(int)) ([]byte, error) {
		return nil, fmt.Errorf("qty missing: %w", ErrInvalidArguments)
	})

	runDone := make(chan error, 1)
	go func() { runDone <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.registry.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, mintedKey.Load())

	// success path with progress
	var progressSeen atomic.Int32
	result, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		BotID:       def.BotID,
		Capability:  "echo",
		CommandName: "echo",
		Arguments:   []byte(`{"msg":"hi"}`),
		OnProgress:  func(p int) { progressSeen.Store(int32(p)) },
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"hi"}`, string(result))
	require.EqualValues(t, 50, progressSeen.Load())

	// execution failure
	_, err = s.dispatcher.Dispatch(ctx, dispatch.Request{
		BotID:       def.BotID,
		CommandName: "fail",
	})
	var execErr *dispatch.ExecutionError
	require.ErrorAs(t, err, &execErr)

	// invalid arguments
	_, err = s.dispatcher.Dispatch(ctx, dispatch.Request{
		BotID:       def.BotID,
		CommandName: "badargs",
	})
	var argErr *dispatch.InvalidArgumentsError
	require.ErrorAs(t, err, &argErr)

	// unregistered command
	_, err = s.dispatcher.Dispatch(ctx, dispatch.Request{
		BotID:       def.BotID,
		CommandName: "unknown",
	})
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, execErr.Message, "no handler")

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentRejectedCredentialIsTerminal(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	def, _, err := s.authSvc.CreateBot(ctx, &types.BotDefinition{
		Name:        "x",
		AdapterType: "go",
	})
	require.NoError(t, err)

	agent, err := New(Config{
		ServerURL:    s.connectURL(),
		BotID:        def.BotID,
		OneTimeToken: "wrong-token",
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = agent.Run(runCtx)
	require.Error(t, err)
}

func TestAgentConfigValidation(t *testing.T) {
	_, err := New(Config{BotID: "b", OneTimeToken: "t"})
	require.Error(t, err)
	_, err = New(Config{ServerURL: "ws://x/v1/connect", OneTimeToken: "t"})
	require.Error(t, err)
	_, err = New(Config{ServerURL: "ws://x/v1/connect", BotID: "b"})
	require.Error(t, err)
	_, err = New(Config{ServerURL: "ws://x/v1/connect", BotID: "b", OneTimeToken: "t", Subprotocol: "bogus"})
	require.Error(t, err)
}
