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

// Package types defines the resources shared between the orchestrator core,
// the admin API and the reference agent: bot definitions, credentials, tasks
// and context documents.
package types

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/gravitational/trace"
)

// BotDefinition is the administrator-declared template from which zero or
// more agent instances may connect. BotID is globally unique and immutable
// once created.
type BotDefinition struct {
	BotID         string            `json:"bot_id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	AdapterType   string            `json:"adapter_type"`
	Capabilities  []string          `json:"capabilities"`
	Configuration map[string]string `json:"configuration,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// CheckAndSetDefaults validates the definition.
func (b *BotDefinition) CheckAndSetDefaults() error {
	switch {
	case b.Name == "":
		return trace.BadParameter("missing parameter name")
	case b.AdapterType == "":
		return trace.BadParameter("missing parameter adapter_type")
	}
	for _, c := range b.Capabilities {
		if c == "" {
			return trace.BadParameter("capabilities must not contain empty strings")
		}
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (b *BotDefinition) Clone() *BotDefinition {
	out := *b
	out.Capabilities = slices.Clone(b.Capabilities)
	if b.Configuration != nil {
		out.Configuration = make(map[string]string, len(b.Configuration))
		for k, v := range b.Configuration {
			out.Configuration[k] = v
		}
	}
	return &out
}

// BotCredentials holds the secrets attached to a bot definition. Exactly one
// of OneTimeToken (unconsumed) or APIKey is non-empty for a live definition:
// the one-time token is minted at registration and replaced by the long
// lived API key on first successful handshake.
type BotCredentials struct {
	BotID string `json:"bot_id"`
	// OneTimeToken is the single-use onboarding credential. Cleared when
	// consumed.
	OneTimeToken string `json:"one_time_token,omitempty"`
	// APIKey is the long-lived key minted when the one-time token is
	// consumed.
	APIKey    string     `json:"api_key,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// InstanceStatus is the session state machine position of a connected
// instance.
type InstanceStatus string

const (
	// InstanceStatusHandshakePending marks a connection that has not yet
	// presented a valid HandshakeRequest.
	InstanceStatusHandshakePending InstanceStatus = "HANDSHAKE_PENDING"
	// InstanceStatusActive marks an authenticated, registered session.
	InstanceStatusActive InstanceStatus = "ACTIVE"
	// InstanceStatusDraining marks a session flushing its outbound lane
	// before close. Draining instances are never selected for dispatch.
	InstanceStatusDraining InstanceStatus = "DRAINING"
	// InstanceStatusClosed is terminal.
	InstanceStatusClosed InstanceStatus = "CLOSED"
)

// CloseReason records why a session left the Active state.
type CloseReason string

const (
	// CloseReasonNone means the session is still live.
	CloseReasonNone CloseReason = ""
	// CloseReasonHeartbeatMiss means no heartbeat arrived within the grace
	// window.
	CloseReasonHeartbeatMiss CloseReason = "heartbeat-miss"
	// CloseReasonSuperseded means a newer connection claimed the same
	// instance id.
	CloseReasonSuperseded CloseReason = "superseded"
	// CloseReasonAdminClose means an administrator deregistered the bot or
	// instance.
	CloseReasonAdminClose CloseReason = "admin-close"
	// CloseReasonShutdown means the orchestrator itself is stopping.
	CloseReasonShutdown CloseReason = "shutdown"
	// CloseReasonTransport means the underlying connection failed.
	CloseReasonTransport CloseReason = "transport"
	// CloseReasonProtocol means the peer violated the wire protocol.
	CloseReasonProtocol CloseReason = "protocol"
)

// InstanceInfo is the admin API view of a connected instance.
type InstanceInfo struct {
	BotID               string         `json:"bot_id"`
	InstanceID          string         `json:"instance_id"`
	ConnectedAt         time.Time      `json:"connected_at"`
	LastHeartbeatAt     time.Time      `json:"last_heartbeat_at"`
	RuntimeCapabilities []string       `json:"runtime_capabilities"`
	Status              InstanceStatus `json:"status"`
}

// TaskState is the task manager state machine position of a task. Terminal
// states are permanent.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// IsTerminal reports whether the state is permanent.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// Task is an asynchronous poll-pattern job owned by the task manager.
type Task struct {
	TaskID      string          `json:"task_id"`
	BotID       string          `json:"bot_id"`
	CommandName string          `json:"command_name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	State       TaskState       `json:"state"`
	// Progress is a 0-100 completion hint reported by the executing
	// instance, meaningful only while Running.
	Progress         int             `json:"progress,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	RetriesRemaining int             `json:"retries_remaining"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	out := *t
	out.Arguments = slices.Clone(t.Arguments)
	out.Result = slices.Clone(t.Result)
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

// ContextDocument is a TTL-bounded payload stored per (session id,
// namespace) pair.
type ContextDocument struct {
	SessionID string          `json:"session_id"`
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}
