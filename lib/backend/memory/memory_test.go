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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/lib/backend"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})

	item := backend.Item{Key: backend.Key("bots", "b1"), Value: []byte("v1")}
	require.NoError(t, b.Create(ctx, item))

	err := b.Create(ctx, item)
	require.True(t, trace.IsAlreadyExists(err))

	got, err := b.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got.Value)

	_, err = b.Get(ctx, backend.Key("bots", "missing"))
	require.True(t, trace.IsNotFound(err))
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	key := backend.Key("creds", "b1")

	require.NoError(t, b.Put(ctx, backend.Item{Key: key, Value: []byte("old")}))

	err := b.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("stale")},
		backend.Item{Key: key, Value: []byte("new")})
	require.True(t, trace.IsCompareFailed(err))

	require.NoError(t, b.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("old")},
		backend.Item{Key: key, Value: []byte("new")}))

	got, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got.Value)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := New(Config{Clock: clock})
	key := backend.Key("ctx", "s1", "ns1")

	require.NoError(t, b.Put(ctx, backend.Item{
		Key:     key,
		Value:   []byte("doc"),
		Expires: clock.Now().Add(time.Second),
	}))

	_, err := b.Get(ctx, key)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = b.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func TestRanges(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, b.Put(ctx, backend.Item{Key: backend.Key("tasks", name), Value: []byte(name)}))
	}
	require.NoError(t, b.Put(ctx, backend.Item{Key: backend.Key("other", "x"), Value: []byte("x")}))

	start := backend.Key("tasks")
	items, err := b.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, backend.Key("tasks", "a"), items[0].Key)

	items, err = b.GetRange(ctx, start, backend.RangeEnd(start), 2)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NoError(t, b.DeleteRange(ctx, start, backend.RangeEnd(start)))
	items, err = b.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, items)

	// untouched by the range delete
	_, err = b.Get(ctx, backend.Key("other", "x"))
	require.NoError(t, err)
}
