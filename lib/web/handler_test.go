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

package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/auth"
	"github.com/L4DK/unified-bot-protocol/lib/backend/memory"
	"github.com/L4DK/unified-bot-protocol/lib/contextstore"
	"github.com/L4DK/unified-bot-protocol/lib/dispatch"
	"github.com/L4DK/unified-bot-protocol/lib/inventory"
	"github.com/L4DK/unified-bot-protocol/lib/tasks"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

const testAdminToken = "test-admin-token"

type testServer struct {
	srv      *httptest.Server
	authSvc  *auth.Service
	registry *inventory.Registry
}

func newTestServer(t *testing.T) *testServer {
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
	authSvc.OnBotDeleted(func(botID string) {
		ctrl.CloseBot(botID, types.CloseReasonAdminClose)
	})

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
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { taskMgr.Close() })

	store, err := contextstore.NewStore(contextstore.Config{Backend: bk})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	handler, err := NewHandler(Config{
		Auth:         authSvc,
		Controller:   ctrl,
		Registry:     registry,
		Tasks:        taskMgr,
		ContextStore: store,
		AdminToken:   testAdminToken,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, authSvc: authSvc, registry: registry}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) createBot(t *testing.T, name string, capabilities ...string) (botID, token string) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/v1/bots", map[string]any{
		"name":         name,
		"adapter_type": "python",
		"capabilities": capabilities,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created struct {
		Bot   *types.BotDefinition `json:"bot"`
		Token string               `json:"one_time_registration_token"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.Token)
	return created.Bot.BotID, created.Token
}

// wsAgent is a test agent speaking the JSON subprotocol.
type wsAgent struct {
	conn  *websocket.Conn
	codec wire.Codec
}

func (ts *testServer) dialAgent(t *testing.T, subprotocol string) *wsAgent {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{subprotocol}}
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/connect"
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Equal(t, subprotocol, conn.Subprotocol())
	codec, err := wire.CodecFor(subprotocol)
	require.NoError(t, err)
	return &wsAgent{conn: conn, codec: codec}
}

func (a *wsAgent) send(t *testing.T, env *wire.Envelope) {
	t.Helper()
	data, err := a.codec.Encode(env)
	require.NoError(t, err)
	if a.codec.Name() == wire.SubprotocolJSON {
		require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, data))
		return
	}
	var framed bytes.Buffer
	require.NoError(t, wire.WriteFrame(&framed, data))
	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, framed.Bytes()))
}

func (a *wsAgent) recv(t *testing.T) *wire.Envelope {
	t.Helper()
	a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := a.conn.ReadMessage()
	require.NoError(t, err)
	if a.codec.Name() == wire.SubprotocolBinary {
		data, err = wire.ReadFrame(bytes.NewReader(data))
		require.NoError(t, err)
	}
	env, err := a.codec.Decode(data)
	require.NoError(t, err)
	return env
}

func (a *wsAgent) handshake(t *testing.T, botID, instanceID, token string, capabilities ...string) *wire.HandshakeResponse {
	t.Helper()
	a.send(t, wire.NewEnvelope(&wire.HandshakeRequest{
		BotID:        botID,
		InstanceID:   instanceID,
		AuthToken:    token,
		Capabilities: capabilities,
	}))
	env := a.recv(t)
	resp, ok := env.Payload.(*wire.HandshakeResponse)
	require.True(t, ok)
	return resp
}

func TestAdminAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/bots", nil)
	require.NoError(t, err)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "AuthError", body.ErrorCode)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.srv.Client().Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBotCRUD(t *testing.T) {
	ts := newTestServer(t)
	botID, _ := ts.createBot(t, "trader", "trade.execute")

	resp, body := ts.do(t, http.MethodGet, "/v1/bots/"+botID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var def types.BotDefinition
	require.NoError(t, json.Unmarshal(body, &def))
	require.Equal(t, "trader", def.Name)

	resp, body = ts.do(t, http.MethodPut, "/v1/bots/"+botID, map[string]any{
		"name":         "trader",
		"adapter_type": "python",
		"description":  "updated",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodGet, "/v1/bots", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Bots []types.BotDefinition `json:"bots"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Bots, 1)
	require.Equal(t, "updated", list.Bots[0].Description)

	resp, body = ts.do(t, http.MethodDelete, "/v1/bots/"+botID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, body)
	resp, _ = ts.do(t, http.MethodGet, "/v1/bots/"+botID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOnboardingDispatchRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	botID, token := ts.createBot(t, "trader", "trade.execute")

	agent := ts.dialAgent(t, wire.SubprotocolJSON)
	hs := agent.handshake(t, botID, "i-1", token, "trade.execute")
	require.Equal(t, wire.HandshakeSuccess, hs.Status)
	require.NotEmpty(t, hs.IssuedAPIKey)

	// the instance shows up on the admin surface
	resp, body := ts.do(t, http.MethodGet, "/v1/bots/"+botID+"/instances", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var instances struct {
		Instances []types.InstanceInfo `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(body, &instances))
	require.Len(t, instances.Instances, 1)
	require.Equal(t, types.InstanceStatusActive, instances.Instances[0].Status)

	// submit an action and serve it from the agent side
	resp, body = ts.do(t, http.MethodPost, "/v1/bots/"+botID+"/actions/trade.execute",
		map[string]any{"symbol": "EURUSD", "qty": 1})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/v1/tasks/"))
	var submitted types.Task
	require.NoError(t, json.Unmarshal(body, &submitted))

	env := agent.recv(t)
	cmd, ok := env.Payload.(*wire.CommandRequest)
	require.True(t, ok)
	require.Equal(t, "trade.execute", cmd.CommandName)
	agent.send(t, wire.Derived(env.TraceID, &wire.CommandResponse{
		CommandID: cmd.CommandID,
		Status:    wire.CommandSuccess,
		Result:    []byte(`{"filled":true}`),
	}))

	require.Eventually(t, func() bool {
		resp, body = ts.do(t, http.MethodGet, location, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var task types.Task
		require.NoError(t, json.Unmarshal(body, &task))
		return task.State == types.TaskStateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBinarySubprotocolHandshake(t *testing.T) {
	ts := newTestServer(t)
	botID, token := ts.createBot(t, "reporter", "report.daily")

	agent := ts.dialAgent(t, wire.SubprotocolBinary)
	hs := agent.handshake(t, botID, "i-bin", token, "report.daily")
	require.Equal(t, wire.HandshakeSuccess, hs.Status)
	require.NotEmpty(t, hs.IssuedAPIKey)

	// reconnect with the minted key
	agent2 := ts.dialAgent(t, wire.SubprotocolBinary)
	hs2 := agent2.handshake(t, botID, "i-bin", hs.IssuedAPIKey, "report.daily")
	require.Equal(t, wire.HandshakeSuccess, hs2.Status)
	require.Empty(t, hs2.IssuedAPIKey)
}

func TestHandshakeRejectedOverWire(t *testing.T) {
	ts := newTestServer(t)
	botID, _ := ts.createBot(t, "trader")

	agent := ts.dialAgent(t, wire.SubprotocolJSON)
	hs := agent.handshake(t, botID, "i-1", "wrong-token")
	require.Equal(t, wire.HandshakeAuthFailed, hs.Status)
}

func TestDeleteBotClosesSessions(t *testing.T) {
	ts := newTestServer(t)
	botID, token := ts.createBot(t, "trader")

	agent := ts.dialAgent(t, wire.SubprotocolJSON)
	hs := agent.handshake(t, botID, "i-1", token)
	require.Equal(t, wire.HandshakeSuccess, hs.Status)

	resp, _ := ts.do(t, http.MethodDelete, "/v1/bots/"+botID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		return ts.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestActionWithoutInstancesFails(t *testing.T) {
	ts := newTestServer(t)
	botID, _ := ts.createBot(t, "idle")

	resp, body := ts.do(t, http.MethodPost, "/v1/bots/"+botID+"/actions/noop", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var task types.Task
	require.NoError(t, json.Unmarshal(body, &task))

	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/v1/tasks/"+task.TaskID, nil)
		var got types.Task
		require.NoError(t, json.Unmarshal(body, &got))
		return got.State == types.TaskStateFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTaskEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/v1/tasks/nonexistent", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errBody struct {
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(body, &errBody))
	require.Equal(t, "NotFound", errBody.ErrorCode)

	resp, _ = ts.do(t, http.MethodGet, "/v1/tasks?state=BOGUS", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/v1/tasks?state=PENDING", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks []types.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Empty(t, list.Tasks)
}

func TestContextEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/context/sess-1/portfolio", map[string]any{
		"payload": map[string]int{"open": 2},
		"ttlSeconds": 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodGet, "/v1/context/sess-1/portfolio", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc types.ContextDocument
	require.NoError(t, json.Unmarshal(body, &doc))
	require.JSONEq(t, `{"open":2}`, string(doc.Payload))

	resp, _ = ts.do(t, http.MethodDelete, "/v1/context/sess-1/portfolio", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/v1/context/sess-1/portfolio", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createBot(t, "one")

	resp, body := ts.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Bots            int `json:"bots"`
		ActiveInstances int `json:"active_instances"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	require.Equal(t, 1, status.Bots)
	require.Equal(t, 0, status.ActiveInstances)
}
