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

package contextstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/lib/backend/memory"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { bk.Close() })
	s, err := NewStore(Config{
		Backend:       bk,
		Clock:         clock,
		SweepInterval: time.Second,
		SweepBatch:    2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestUpsertGetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc, err := s.Upsert(ctx, "sess-1", "portfolio", json.RawMessage(`{"open":3}`), time.Minute)
	require.NoError(t, err)
	require.False(t, doc.ExpiresAt.IsZero())

	got, err := s.Get(ctx, "sess-1", "portfolio")
	require.NoError(t, err)
	require.JSONEq(t, `{"open":3}`, string(got.Payload))

	// upsert replaces in place
	_, err = s.Upsert(ctx, "sess-1", "portfolio", json.RawMessage(`{"open":4}`), time.Minute)
	require.NoError(t, err)
	got, err = s.Get(ctx, "sess-1", "portfolio")
	require.NoError(t, err)
	require.JSONEq(t, `{"open":4}`, string(got.Payload))

	require.NoError(t, s.Delete(ctx, "sess-1", "portfolio"))
	_, err = s.Get(ctx, "sess-1", "portfolio")
	require.True(t, trace.IsNotFound(err))
	require.True(t, trace.IsNotFound(s.Delete(ctx, "sess-1", "portfolio")))
}

func TestUpsertValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "", "ns", nil, time.Minute)
	require.Error(t, err)
	_, err = s.Upsert(ctx, "sess-1", "", nil, time.Minute)
	require.Error(t, err)
	_, err = s.Upsert(ctx, "sess-1", "ns", nil, 0)
	require.Error(t, err)
}

func TestExpiredDocumentsAreInvisible(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "sess-1", "scratch", json.RawMessage(`1`), 30*time.Second)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	_, err = s.Get(ctx, "sess-1", "scratch")
	require.True(t, trace.IsNotFound(err))
}

func TestSweeperReclaimsInBatches(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for _, ns := range []string{"a", "b", "c"} {
		_, err := s.Upsert(ctx, "sess-1", ns, json.RawMessage(`1`), 30*time.Second)
		require.NoError(t, err)
	}
	_, err := s.Upsert(ctx, "sess-1", "keep", json.RawMessage(`1`), time.Hour)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	// batch size is 2: two passes reclaim the three expired documents
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		s.mu.Lock()
		left := len(s.expires)
		s.mu.Unlock()
		return left == 1
	}, 5*time.Second, 10*time.Millisecond)

	got, err := s.Get(ctx, "sess-1", "keep")
	require.NoError(t, err)
	require.Equal(t, "keep", got.Namespace)
}

func TestDeleteSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "sess-1", "a", json.RawMessage(`1`), time.Minute)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "sess-1", "b", json.RawMessage(`2`), time.Minute)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "sess-2", "a", json.RawMessage(`3`), time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err = s.Get(ctx, "sess-1", "a")
	require.True(t, trace.IsNotFound(err))
	_, err = s.Get(ctx, "sess-2", "a")
	require.NoError(t, err)
}
