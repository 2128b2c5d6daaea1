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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/pushhub/auth"
	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/protocol"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed the connection no longer accepts frames
var ErrConnectionClosed = errors.New("connection closed")

// ErrOutboundFull the connection's outbound queue is full
var ErrOutboundFull = errors.New("connection outbound queue full")

// ConnectionState lifecycle phase of a Connection
type ConnectionState int32

// Connection lifecycle phases
const (
	StateOpen ConnectionState = iota
	StateClosing
	StateClosed
)

// String implements fmt.Stringer
func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Connection one live, authenticated client session
//
// Only the connection's own writer goroutine writes to the transport. Other callers
// queue frames through the outbound buffer.
type Connection struct {
	common.Component
	// ID the connection identifier
	ID string
	// Identity the authenticated owner
	Identity auth.Identity

	transport     Transport
	state         int32
	lastHeartbeat int64
	outbound      chan []byte

	closeOnce      sync.Once
	closeCode      int
	closeReason    string
	closeRequested chan struct{}
	writerDone     chan struct{}
}

// NewConnection define a new connection for an authenticated transport
func NewConnection(identity auth.Identity, transport Transport, outboundBuffer int) (*Connection, error) {
	if identity.UserID == "" {
		return nil, fmt.Errorf("connection requires an authenticated identity")
	}
	if transport == nil {
		return nil, fmt.Errorf("connection requires a transport")
	}
	if outboundBuffer < 1 {
		return nil, fmt.Errorf("outbound buffer must be positive: %d", outboundBuffer)
	}
	connID := uuid.New().String()
	conn := &Connection{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "hub", "component": "connection", "instance": connID, "user": identity.UserID,
			},
		},
		ID:             connID,
		Identity:       identity,
		transport:      transport,
		state:          int32(StateOpen),
		outbound:       make(chan []byte, outboundBuffer),
		closeRequested: make(chan struct{}),
		writerDone:     make(chan struct{}),
	}
	conn.touch()
	return conn, nil
}

// State the connection lifecycle phase
func (c *Connection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// LastHeartbeat when the peer was last heard from
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastHeartbeat))
}

// touch record that the peer is alive
func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastHeartbeat, time.Now().UnixNano())
}

// enqueue queue a frame for the writer without blocking
func (c *Connection) enqueue(frame []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrOutboundFull
	}
}

// requestClose ask the writer to send a close frame and release the transport
func (c *Connection) requestClose(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		atomic.CompareAndSwapInt32(&c.state, int32(StateOpen), int32(StateClosing))
		close(c.closeRequested)
	})
}

// terminate release the transport immediately, without waiting for the writer
func (c *Connection) terminate(code int, reason string) {
	c.requestClose(code, reason)
	if err := c.transport.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Transport close failed")
	}
}

// markClosed record the transport as released
func (c *Connection) markClosed() {
	atomic.StoreInt32(&c.state, int32(StateClosed))
}

// writePump the only writer of the transport
func (c *Connection) writePump(h *hubImpl) {
	defer close(c.writerDone)
	defer c.markClosed()
	ticker := time.NewTicker(h.params.PingInterval)
	defer ticker.Stop()

	failed := func(err error, what string) {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to write %s", what)
		h.metrics.WriteFailure("transport")
		h.remove(c, websocket.CloseInternalServerErr, "write failure")
		_ = c.transport.Close()
	}

	for {
		select {
		case <-c.closeRequested:
			// Flush what was queued before the close was requested
			for flushing := true; flushing; {
				select {
				case frame := <-c.outbound:
					if err := c.transport.WriteFrame(frame, time.Now().Add(h.params.WriteTimeout)); err != nil {
						flushing = false
					} else {
						h.metrics.FrameSent()
					}
				default:
					flushing = false
				}
			}
			if err := c.transport.WriteClose(
				c.closeCode, c.closeReason, time.Now().Add(h.params.WriteTimeout),
			); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Close frame not delivered")
			}
			_ = c.transport.Close()
			log.WithFields(c.LogTags).Debugf("Connection closed with %d", c.closeCode)
			return

		case frame := <-c.outbound:
			if err := c.transport.WriteFrame(frame, time.Now().Add(h.params.WriteTimeout)); err != nil {
				failed(err, "frame")
				return
			}
			h.metrics.FrameSent()

		case <-ticker.C:
			if err := c.transport.WritePing(time.Now().Add(h.params.WriteTimeout)); err != nil {
				failed(err, "ping")
				return
			}
		}
	}
}

// readPump process frames sent by the client until the transport fails
func (c *Connection) readPump(h *hubImpl) {
	defer h.remove(c, websocket.CloseNormalClosure, "")
	c.transport.SetPongHandler(c.touch)
	pong, err := protocol.Encode(protocol.Pong{})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to encode pong")
		return
	}
	for {
		frame, err := c.transport.ReadFrame()
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Read loop exiting")
			return
		}
		c.touch()
		event, err := protocol.Decode(frame)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Warn("Dropping client frame")
			continue
		}
		switch event.(type) {
		case protocol.Ping:
			if err := c.enqueue(pong); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Unable to queue pong")
				if errors.Is(err, ErrOutboundFull) {
					h.metrics.WriteFailure("outbound_full")
					h.remove(c, websocket.ClosePolicyViolation, "outbound queue full")
				}
			}
		case protocol.Pong:
		default:
			log.WithFields(c.LogTags).Debugf("Ignoring client frame of type %s", event.Type())
		}
	}
}
