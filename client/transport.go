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

package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes of interest to the reconnection logic
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// Transport the client side of one connection to the hub
type Transport interface {
	// ReadFrame block until the next data frame arrives
	ReadFrame() ([]byte, error)
	// WriteFrame write one data frame. Safe for concurrent use.
	WriteFrame(frame []byte) error
	// Close perform the close handshake with the code, and release the transport
	Close(code int, reason string) error
}

// Dialer opens transports to the hub
type Dialer interface {
	// Dial open a new transport presenting the session token
	Dial(ctxt context.Context, serverURL string, token string) (Transport, error)
}

// CloseCode the close code carried by a transport read error. Errors which are not
// a close handshake count as abnormal closure.
func CloseCode(err error) int {
	if err == nil {
		return CloseNormal
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return CloseAbnormal
}

// ===============================================================================

// WebsocketDialer implements Dialer over gorilla websocket
type WebsocketDialer struct {
	// HandshakeTimeout max duration of the opening handshake
	HandshakeTimeout time.Duration
	// WriteTimeout max duration for writing one frame
	WriteTimeout time.Duration
}

// Dial open a websocket to the hub. The token is presented as a bearer token.
func (d WebsocketDialer) Dial(ctxt context.Context, serverURL string, token string) (Transport, error) {
	if _, err := url.Parse(serverURL); err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctxt, serverURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = time.Second * 10
	}
	return &websocketTransport{conn: conn, writeTimeout: writeTimeout}, nil
}

// websocketTransport implements Transport over a gorilla websocket
type websocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeLock    sync.Mutex
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

// WriteFrame write one text frame
func (t *websocketTransport) WriteFrame(frame []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close send the close frame and release the connection
func (t *websocketTransport) Close(code int, reason string) error {
	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.writeTimeout),
	)
	if closeErr := t.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}
