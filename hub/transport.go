// Copyright 2021-2022 The pushhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// Transport one framed, full duplex channel to a client
//
// A Transport supports one concurrent reader and one concurrent writer. Close may be
// called concurrently with either.
type Transport interface {
	// WriteFrame write one data frame
	WriteFrame(frame []byte, deadline time.Time) error
	// WritePing write a liveness probe control frame
	WritePing(deadline time.Time) error
	// WriteClose write a close frame
	WriteClose(code int, reason string, deadline time.Time) error
	// ReadFrame block until the next data frame arrives
	ReadFrame() ([]byte, error)
	// SetPongHandler install a callback for liveness answers. Called from the reader.
	SetPongHandler(handler func())
	// Close release the transport without a close handshake
	Close() error
}

// websocketTransport implements Transport over a gorilla websocket
type websocketTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wrap an upgraded websocket connection
func NewWebsocketTransport(conn *websocket.Conn, maxFrameSize int64) Transport {
	if maxFrameSize > 0 {
		conn.SetReadLimit(maxFrameSize)
	}
	return &websocketTransport{conn: conn}
}

// WriteFrame write one text frame
func (t *websocketTransport) WriteFrame(frame []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// WritePing write a websocket ping control frame
func (t *websocketTransport) WritePing(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// WriteClose write a websocket close control frame
func (t *websocketTransport) WriteClose(code int, reason string, deadline time.Time) error {
	return t.conn.WriteControl(
		websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline,
	)
}

// ReadFrame read the next text or binary frame
func (t *websocketTransport) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// SetPongHandler install a websocket pong handler
func (t *websocketTransport) SetPongHandler(handler func()) {
	t.conn.SetPongHandler(func(string) error {
		handler()
		return nil
	})
}

// Close close the underlying network connection
func (t *websocketTransport) Close() error {
	return t.conn.Close()
}
