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

// Package backend provides the storage abstraction behind the durable state
// classes: bot definitions, credentials and tasks. Instance and envelope
// state is deliberately never stored here.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backend is a key/value store with optional per-item expiry and an atomic
// compare-and-swap. Implementations must be safe for concurrent use.
// Expired items behave as absent for all read operations.
type Backend interface {
	// Create writes an item that must not already exist, failing with
	// trace.AlreadyExists otherwise.
	Create(ctx context.Context, i Item) error

	// Put writes an item unconditionally.
	Put(ctx context.Context, i Item) error

	// Get returns an item or trace.NotFound.
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange returns items with startKey <= key < endKey in key order,
	// up to limit (NoLimit for all).
	GetRange(ctx context.Context, startKey, endKey []byte, limit int) ([]Item, error)

	// CompareAndSwap replaces expected with replaceWith in one atomic
	// step. Fails with trace.CompareFailed when the stored value differs
	// from expected, and trace.NotFound when the key is absent.
	CompareAndSwap(ctx context.Context, expected, replaceWith Item) error

	// Delete removes an item, failing with trace.NotFound when absent.
	Delete(ctx context.Context, key []byte) error

	// DeleteRange removes all items with startKey <= key < endKey.
	DeleteRange(ctx context.Context, startKey, endKey []byte) error

	// Clock returns the clock used for expiry decisions.
	Clock() clockwork.Clock

	// Close releases backend resources.
	Close() error
}

// Item is a stored key/value pair. A zero Expires means the item never
// expires.
type Item struct {
	Key     []byte
	Value   []byte
	Expires time.Time
}

// NoLimit requests an unbounded GetRange.
const NoLimit = 0

// Separator joins key components.
const Separator = '/'

// Key builds a backend key from components, always starting with the
// separator.
func Key(parts ...string) []byte {
	return []byte(strings.Join(append([]string{""}, parts...), string(Separator)))
}

// RangeEnd returns the first key lexicographically beyond every key that
// has the given prefix, for use as a GetRange/DeleteRange end bound.
func RangeEnd(key []byte) []byte {
	end := make([]byte, len(key))
	copy(end, key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return []byte{0}
}

// Expiry converts a TTL to an absolute expiry, zero TTL meaning forever.
func Expiry(clock clockwork.Clock, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return clock.Now().UTC().Add(ttl)
}
