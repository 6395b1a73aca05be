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

// Package client is the Go client of the admin REST API. The ubpctl tool is
// built on it; embedders can use it directly.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/L4DK/unified-bot-protocol/api/types"
)

// Config holds client parameters.
type Config struct {
	// Addr is the orchestrator base URL, e.g. http://127.0.0.1:8000.
	Addr string
	// AdminToken authenticates against the admin API.
	AdminToken string
	// Client overrides the underlying HTTP client.
	Client *http.Client
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.AdminToken == "" {
		return trace.BadParameter("missing parameter AdminToken")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// New creates an admin API client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rt, err := roundtrip.NewClient(cfg.Addr, "v1",
		roundtrip.HTTPClient(cfg.Client),
		roundtrip.BearerAuth(cfg.AdminToken))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{Client: *rt}, nil
}

// Client calls the admin REST API.
type Client struct {
	roundtrip.Client
}

// CreatedBot is the response of CreateBot.
type CreatedBot struct {
	BotID string `json:"bot_id"`
	// OneTimeRegistrationToken is returned exactly once; hand it to the
	// agent out of band.
	OneTimeRegistrationToken string               `json:"one_time_registration_token"`
	CreatedAt                time.Time            `json:"created_at"`
	Bot                      *types.BotDefinition `json:"bot"`
}

// CreateBot registers a bot definition.
func (c *Client) CreateBot(ctx context.Context, def types.BotDefinition) (*CreatedBot, error) {
	re, err := c.PostJSON(ctx, c.Endpoint("bots"), def)
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out CreatedBot
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// GetBot returns one definition.
func (c *Client) GetBot(ctx context.Context, botID string) (*types.BotDefinition, error) {
	re, err := c.Get(ctx, c.Endpoint("bots", botID), url.Values{})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.BotDefinition
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// ListBots returns every definition.
func (c *Client) ListBots(ctx context.Context) ([]types.BotDefinition, error) {
	re, err := c.Get(ctx, c.Endpoint("bots"), url.Values{})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out struct {
		Bots []types.BotDefinition `json:"bots"`
	}
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Bots, nil
}

// UpdateBot replaces a definition's mutable fields.
func (c *Client) UpdateBot(ctx context.Context, def types.BotDefinition) (*types.BotDefinition, error) {
	re, err := c.PutJSON(ctx, c.Endpoint("bots", def.BotID), def)
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.BotDefinition
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// DeleteBot removes a definition and closes its sessions.
func (c *Client) DeleteBot(ctx context.Context, botID string) error {
	re, err := c.Delete(ctx, c.Endpoint("bots", botID))
	return trace.Wrap(responseError(re, err))
}

// ListInstances returns the live instances of a bot.
func (c *Client) ListInstances(ctx context.Context, botID string) ([]types.InstanceInfo, error) {
	re, err := c.Get(ctx, c.Endpoint("bots", botID, "instances"), url.Values{})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out struct {
		Instances []types.InstanceInfo `json:"instances"`
	}
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Instances, nil
}

// SubmitAction queues a command for a bot and returns the accepted task.
func (c *Client) SubmitAction(ctx context.Context, botID, commandName string, args json.RawMessage) (*types.Task, error) {
	re, err := c.PostJSON(ctx, c.Endpoint("bots", botID, "actions", commandName), args)
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.Task
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	re, err := c.Get(ctx, c.Endpoint("tasks", taskID), url.Values{})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.Task
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// WaitForTask polls a task until it reaches a terminal state or ctx expires.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (*types.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if task.State.IsTerminal() {
			return task, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}

// ListTasks returns tasks, optionally filtered by state.
func (c *Client) ListTasks(ctx context.Context, state types.TaskState) ([]types.Task, error) {
	params := url.Values{}
	if state != "" {
		params.Set("state", string(state))
	}
	re, err := c.Get(ctx, c.Endpoint("tasks"), params)
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out struct {
		Tasks []types.Task `json:"tasks"`
	}
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Tasks, nil
}

// CancelTask stops a pending or running task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*types.Task, error) {
	re, err := c.PostJSON(ctx, c.Endpoint("tasks", taskID, "cancel"), struct{}{})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.Task
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// UpsertContext writes a context document with a TTL.
func (c *Client) UpsertContext(ctx context.Context, sessionID, namespace string, payload json.RawMessage, ttl time.Duration) (*types.ContextDocument, error) {
	re, err := c.PostJSON(ctx, c.Endpoint("context", sessionID, namespace), map[string]any{
		"payload": payload,
		"ttlSeconds": int(ttl / time.Second),
	})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.ContextDocument
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// GetContext reads a context document.
func (c *Client) GetContext(ctx context.Context, sessionID, namespace string) (*types.ContextDocument, error) {
	re, err := c.Get(ctx, c.Endpoint("context", sessionID, namespace), url.Values{})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.ContextDocument
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// DeleteContext removes a context document.
func (c *Client) DeleteContext(ctx context.Context, sessionID, namespace string) error {
	re, err := c.Delete(ctx, c.Endpoint("context", sessionID, namespace))
	return trace.Wrap(responseError(re, err))
}

// Status is the orchestrator overview returned by GET /v1/status.
type Status struct {
	Bots            int            `json:"bots"`
	ActiveInstances int            `json:"active_instances"`
	Tasks           map[string]int `json:"tasks"`
	UptimeSec       int            `json:"uptime_sec"`
}

// GetStatus returns the orchestrator overview.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	re, err := c.Get(ctx, c.Endpoint("status"), url.Values{})
	if err := responseError(re, err); err != nil {
		return nil, trace.Wrap(err)
	}
	var out Status
	if err := json.Unmarshal(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// responseError folds a transport error and a non-2xx response into one
// error, reconstructing the server's failure mode from the error body.
func responseError(re *roundtrip.Response, err error) error {
	if err != nil {
		return trace.Wrap(err)
	}
	if re.Code() < 300 {
		return nil
	}
	var body struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if jsonErr := json.Unmarshal(re.Bytes(), &body); jsonErr != nil || body.Message == "" {
		body.Message = fmt.Sprintf("request failed with status %d", re.Code())
	}
	switch re.Code() {
	case http.StatusBadRequest:
		return trace.BadParameter("%s", body.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return trace.AccessDenied("%s", body.Message)
	case http.StatusNotFound:
		return trace.NotFound("%s", body.Message)
	case http.StatusConflict:
		return trace.CompareFailed("%s", body.Message)
	case http.StatusTooManyRequests:
		return trace.LimitExceeded("%s", body.Message)
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return trace.ConnectionProblem(nil, "%s", body.Message)
	}
	return trace.Errorf("%s", body.Message)
}
