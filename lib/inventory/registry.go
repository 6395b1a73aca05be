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

package inventory

import (
	"sort"
	"sync"

	"github.com/gravitational/trace"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/metrics"
)

// Registry is the in-memory index of live sessions, keyed three ways:
// by instance id, by bot id, and by announced capability. All three views
// mutate under one lock so they can never disagree.
type Registry struct {
	mu           sync.Mutex
	byInstance   map[string]*Session
	byBot        map[string]map[string]*Session
	byCapability map[string]map[string]*Session
	// order assigns each session a monotonic insertion number; round-robin
	// selection walks candidates in this order.
	order   map[string]uint64
	counter uint64
	cursors map[string]uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byInstance:   make(map[string]*Session),
		byBot:        make(map[string]map[string]*Session),
		byCapability: make(map[string]map[string]*Session),
		order:        make(map[string]uint64),
		cursors:      make(map[string]uint64),
	}
}

// Add indexes a session. If another session already holds the same instance
// id it is removed from the registry and returned so the caller can close it
// as superseded.
func (r *Registry) Add(s *Session) (displaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byInstance[s.instanceID]; ok {
		r.removeLocked(prev)
		displaced = prev
	}
	r.byInstance[s.instanceID] = s
	if r.byBot[s.botID] == nil {
		r.byBot[s.botID] = make(map[string]*Session)
	}
	r.byBot[s.botID][s.instanceID] = s
	for _, capability := range s.capabilities {
		if r.byCapability[capability] == nil {
			r.byCapability[capability] = make(map[string]*Session)
		}
		r.byCapability[capability][s.instanceID] = s
	}
	r.counter++
	r.order[s.instanceID] = r.counter
	metrics.ActiveInstances.Set(float64(len(r.byInstance)))
	return displaced
}

// Remove drops a session from every index. A no-op if the session was
// already displaced.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byInstance[s.instanceID]; !ok || current != s {
		return
	}
	r.removeLocked(s)
	metrics.ActiveInstances.Set(float64(len(r.byInstance)))
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.byInstance, s.instanceID)
	delete(r.order, s.instanceID)
	if m := r.byBot[s.botID]; m != nil {
		delete(m, s.instanceID)
		if len(m) == 0 {
			delete(r.byBot, s.botID)
		}
	}
	for _, capability := range s.capabilities {
		if m := r.byCapability[capability]; m != nil {
			delete(m, s.instanceID)
			if len(m) == 0 {
				delete(r.byCapability, capability)
			}
		}
	}
}

// GetInstance returns the session holding an instance id.
func (r *Registry) GetInstance(instanceID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byInstance[instanceID]
	if !ok {
		return nil, trace.NotFound("instance %q is not connected", instanceID)
	}
	return s, nil
}

// InstancesOf returns the admin view of a bot's active sessions. Sessions
// that are draining or closing are omitted; they no longer accept work.
func (r *Registry) InstancesOf(botID string) []types.InstanceInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byBot[botID]))
	for _, s := range r.byBot[botID] {
		if s.Status() != types.InstanceStatusActive {
			continue
		}
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].instanceID < sessions[j].instanceID
	})
	out := make([]types.InstanceInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// All returns the admin view of every live session.
func (r *Registry) All() []types.InstanceInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byInstance))
	for _, s := range r.byInstance {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].instanceID < sessions[j].instanceID
	})
	out := make([]types.InstanceInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byInstance)
}

// Select picks an Active session for dispatch. A non-empty botID restricts
// candidates to that bot; a non-empty capability restricts them to sessions
// that announced it. Successive calls with the same arguments rotate through
// the eligible sessions in insertion order; Draining sessions are skipped.
func (r *Registry) Select(botID, capability string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pool map[string]*Session
	switch {
	case botID != "":
		pool = r.byBot[botID]
	case capability != "":
		pool = r.byCapability[capability]
	default:
		pool = r.byInstance
	}

	candidates := make([]*Session, 0, len(pool))
	for _, s := range pool {
		if capability != "" && !s.HasCapability(capability) {
			continue
		}
		if s.Status() != types.InstanceStatusActive {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, trace.NotFound("no capable instance for bot %q capability %q", botID, capability)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return r.order[candidates[i].instanceID] < r.order[candidates[j].instanceID]
	})

	key := botID + "\x00" + capability
	idx := r.cursors[key] % uint64(len(candidates))
	r.cursors[key]++
	return candidates[idx], nil
}

// SessionsOf returns the live sessions of a bot.
func (r *Registry) SessionsOf(botID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byBot[botID]))
	for _, s := range r.byBot[botID] {
		out = append(out, s)
	}
	return out
}

// Sessions returns every live session.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byInstance))
	for _, s := range r.byInstance {
		out = append(out, s)
	}
	return out
}
