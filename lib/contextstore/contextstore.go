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

// Package contextstore keeps TTL-bounded working state for bot sessions,
// keyed by (session id, namespace). Reads never return expired documents;
// a background sweeper reclaims their storage in bounded batches.
package contextstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/backend"
	"github.com/L4DK/unified-bot-protocol/lib/defaults"
)

const contextPrefix = "context"

// Config holds store dependencies and tuning.
type Config struct {
	// Backend persists the documents. Required.
	Backend backend.Backend
	// SweepInterval is the cadence of the expiry sweeper.
	SweepInterval time.Duration
	// SweepBatch bounds deletions per sweep pass.
	SweepBatch int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.ContextSweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = defaults.ContextSweepBatch
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "contextstore")
	}
	return nil
}

// NewStore creates the store and starts its sweeper.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		cfg:     cfg,
		expires: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s, nil
}

// Store is the session context store.
type Store struct {
	cfg Config

	mu sync.Mutex
	// expires tracks the expiry of every document written by this process,
	// so the sweeper can reclaim rows without a scan-expired primitive on
	// the backend.
	expires map[string]time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// Close stops the sweeper.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Upsert writes a document with the given TTL, replacing any previous
// document under the same (session id, namespace).
func (s *Store) Upsert(ctx context.Context, sessionID, namespace string, payload json.RawMessage, ttl time.Duration) (*types.ContextDocument, error) {
	if sessionID == "" {
		return nil, trace.BadParameter("missing parameter sessionID")
	}
	if namespace == "" {
		return nil, trace.BadParameter("missing parameter namespace")
	}
	if ttl <= 0 {
		return nil, trace.BadParameter("ttl must be positive")
	}
	doc := types.ContextDocument{
		SessionID: sessionID,
		Namespace: namespace,
		Payload:   payload,
		ExpiresAt: s.cfg.Clock.Now().UTC().Add(ttl),
	}
	value, err := json.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key := backend.Key(contextPrefix, sessionID, namespace)
	if err := s.cfg.Backend.Put(ctx, backend.Item{
		Key:     key,
		Value:   value,
		Expires: doc.ExpiresAt,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	s.mu.Lock()
	s.expires[string(key)] = doc.ExpiresAt
	s.mu.Unlock()
	return &doc, nil
}

// Get returns a live document.
func (s *Store) Get(ctx context.Context, sessionID, namespace string) (*types.ContextDocument, error) {
	item, err := s.cfg.Backend.Get(ctx, backend.Key(contextPrefix, sessionID, namespace))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("context %q/%q is not found", sessionID, namespace)
		}
		return nil, trace.Wrap(err)
	}
	var doc types.ContextDocument
	if err := json.Unmarshal(item.Value, &doc); err != nil {
		return nil, trace.Wrap(err)
	}
	return &doc, nil
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, sessionID, namespace string) error {
	key := backend.Key(contextPrefix, sessionID, namespace)
	if err := s.cfg.Backend.Delete(ctx, key); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("context %q/%q is not found", sessionID, namespace)
		}
		return trace.Wrap(err)
	}
	s.mu.Lock()
	delete(s.expires, string(key))
	s.mu.Unlock()
	return nil
}

// DeleteSession removes every namespace of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	start := backend.Key(contextPrefix, sessionID)
	if err := s.cfg.Backend.DeleteRange(ctx, start, backend.RangeEnd(start)); err != nil {
		return trace.Wrap(err)
	}
	prefix := string(start) + string(rune(backend.Separator))
	s.mu.Lock()
	for key := range s.expires {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.expires, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// sweep periodically reclaims expired documents, at most SweepBatch per
// pass so a large expired population cannot monopolize the backend.
func (s *Store) sweep() {
	ticker := s.cfg.Clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.sweepOnce()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	expired := make([]string, 0, s.cfg.SweepBatch)
	for key, expiresAt := range s.expires {
		if len(expired) >= s.cfg.SweepBatch {
			break
		}
		if expiresAt.Before(now) || expiresAt.Equal(now) {
			expired = append(expired, key)
		}
	}
	sort.Strings(expired)
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	ctx := context.Background()
	for _, key := range expired {
		if err := s.cfg.Backend.Delete(ctx, []byte(key)); err != nil && !trace.IsNotFound(err) {
			s.cfg.Logger.WarnContext(ctx, "Context sweep delete failed",
				"key", key, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.expires, key)
		s.mu.Unlock()
	}
	s.cfg.Logger.DebugContext(ctx, "Context sweep pass complete", "reclaimed", len(expired))
}
