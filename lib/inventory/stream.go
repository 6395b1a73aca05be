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
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// Stream is a bidirectional ordered envelope transport. The websocket layer
// provides the production implementation; tests use Pipe.
type Stream interface {
	// Recv blocks until an envelope arrives or the stream fails.
	Recv() (*wire.Envelope, error)
	// Send writes an envelope, honoring ctx cancellation.
	Send(ctx context.Context, env *wire.Envelope) error
	// Close terminates the stream. Concurrent Recv and Send calls unblock
	// with an error.
	Close() error
	// Done is closed once the stream is no longer usable.
	Done() <-chan struct{}
}

// Pipe returns two connected in-memory streams. Whatever is sent on one side
// is received on the other, in order.
func Pipe() (Stream, Stream) {
	ab := make(chan *wire.Envelope, 32)
	ba := make(chan *wire.Envelope, 32)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeStream{in: ba, out: ab, done: done, once: once}
	b := &pipeStream{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipeStream struct {
	in   chan *wire.Envelope
	out  chan *wire.Envelope
	done chan struct{}
	once *sync.Once
}

func (p *pipeStream) Recv() (*wire.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.done:
		// drain what was in flight before reporting closure
		select {
		case env := <-p.in:
			return env, nil
		default:
		}
		return nil, trace.ConnectionProblem(nil, "stream is closed")
	}
}

func (p *pipeStream) Send(ctx context.Context, env *wire.Envelope) error {
	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return trace.ConnectionProblem(nil, "stream is closed")
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (p *pipeStream) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeStream) Done() <-chan struct{} { return p.done }
