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
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/L4DK/unified-bot-protocol/lib/inventory"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// websocketStream adapts a websocket connection to inventory.Stream. The
// negotiated subprotocol picks the codec: binary messages carry
// length-prefixed frames, text messages carry JSON envelopes.
type websocketStream struct {
	conn  *websocket.Conn
	codec wire.Codec

	// writeMu serializes writers; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newWebsocketStream(conn *websocket.Conn) (*websocketStream, error) {
	codec, err := wire.CodecFor(conn.Subprotocol())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &websocketStream{
		conn:  conn,
		codec: codec,
		done:  make(chan struct{}),
	}, nil
}

func (s *websocketStream) Recv() (*wire.Envelope, error) {
	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "websocket read failed")
	}
	if s.codec.Name() == wire.SubprotocolJSON {
		if messageType != websocket.TextMessage {
			return nil, trace.BadParameter("expected text message on %s", wire.SubprotocolJSON)
		}
		env, err := s.codec.Decode(data)
		return env, trace.Wrap(err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, trace.BadParameter("expected binary message on %s", wire.SubprotocolBinary)
	}
	payload, err := wire.ReadFrame(bytes.NewReader(data))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	env, err := s.codec.Decode(payload)
	return env, trace.Wrap(err)
}

func (s *websocketStream) Send(ctx context.Context, env *wire.Envelope) error {
	data, err := s.codec.Encode(env)
	if err != nil {
		return trace.Wrap(err)
	}
	messageType := websocket.BinaryMessage
	if s.codec.Name() == wire.SubprotocolJSON {
		messageType = websocket.TextMessage
	} else {
		var framed bytes.Buffer
		if err := wire.WriteFrame(&framed, data); err != nil {
			return trace.Wrap(err)
		}
		data = framed.Bytes()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return trace.ConnectionProblem(err, "websocket write failed")
	}
	return nil
}

func (s *websocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return trace.Wrap(err)
}

func (s *websocketStream) Done() <-chan struct{} { return s.done }

var _ inventory.Stream = (*websocketStream)(nil)
