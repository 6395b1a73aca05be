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

// Package memory implements the backend interface over a process-local map.
// It is the default store and the one tests run against.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/lib/backend"
)

// Config holds memory backend options.
type Config struct {
	// Clock overrides the real clock in tests.
	Clock clockwork.Clock
}

// New creates an empty memory backend.
func New(cfg Config) *Backend {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Backend{
		clock: cfg.Clock,
		items: make(map[string]backend.Item),
	}
}

// Backend is an in-memory backend.Backend implementation.
type Backend struct {
	clock clockwork.Clock

	mu    sync.Mutex
	items map[string]backend.Item
}

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context, i backend.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live(i.Key); ok {
		return trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	b.items[string(i.Key)] = clone(i)
	return nil
}

// Put implements backend.Backend.
func (b *Backend) Put(ctx context.Context, i backend.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[string(i.Key)] = clone(i)
	return nil
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.live(key)
	if !ok {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	out := clone(item)
	return &out, nil
}

// GetRange implements backend.Backend.
func (b *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) ([]backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.Item
	for key, item := range b.items {
		if bytes.Compare([]byte(key), startKey) < 0 || bytes.Compare([]byte(key), endKey) >= 0 {
			continue
		}
		if b.expired(item) {
			continue
		}
		out = append(out, clone(item))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	if limit != backend.NoLimit && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompareAndSwap implements backend.Backend.
func (b *Backend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.live(expected.Key)
	if !ok {
		return trace.NotFound("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(current.Value, expected.Value) {
		return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	b.items[string(replaceWith.Key)] = clone(replaceWith)
	return nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live(key); !ok {
		return trace.NotFound("key %q is not found", string(key))
	}
	delete(b.items, string(key))
	return nil
}

// DeleteRange implements backend.Backend.
func (b *Backend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.items {
		if bytes.Compare([]byte(key), startKey) >= 0 && bytes.Compare([]byte(key), endKey) < 0 {
			delete(b.items, key)
		}
	}
	return nil
}

// Clock implements backend.Backend.
func (b *Backend) Clock() clockwork.Clock { return b.clock }

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]backend.Item)
	return nil
}

// live returns the stored item unless absent or expired. Expired entries
// are reaped on access. Callers hold b.mu.
func (b *Backend) live(key []byte) (backend.Item, bool) {
	item, ok := b.items[string(key)]
	if !ok {
		return backend.Item{}, false
	}
	if b.expired(item) {
		delete(b.items, string(key))
		return backend.Item{}, false
	}
	return item, true
}

func (b *Backend) expired(i backend.Item) bool {
	return !i.Expires.IsZero() && !b.clock.Now().Before(i.Expires)
}

func clone(i backend.Item) backend.Item {
	return backend.Item{
		Key:     append([]byte(nil), i.Key...),
		Value:   append([]byte(nil), i.Value...),
		Expires: i.Expires,
	}
}
