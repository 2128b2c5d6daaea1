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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/protocol"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrHubStopped the hub has been shut down
var ErrHubStopped = errors.New("hub stopped")

// ErrTooManyConnections the identity already holds the max number of connections
var ErrTooManyConnections = errors.New("too many connections for user")

// Params hub operating parameters
type Params struct {
	// OutboundBuffer frames which can be queued for one connection
	OutboundBuffer int
	// MaxConnectionsPerUser connection cap per identity. Zero means unlimited.
	MaxConnectionsPerUser int
	// WriteTimeout max duration for writing one frame
	WriteTimeout time.Duration
	// PingInterval duration between liveness probes
	PingInterval time.Duration
	// HeartbeatTimeout max silence from a peer before it is treated as dead
	HeartbeatTimeout time.Duration
	// SweepInterval duration between dead connection sweeps
	SweepInterval time.Duration
}

// ParamsFromConfig convert config into hub parameters
func ParamsFromConfig(hubConfig common.HubConfig, heartbeat common.HeartbeatConfig) Params {
	return Params{
		OutboundBuffer:        hubConfig.OutboundBuffer,
		MaxConnectionsPerUser: hubConfig.MaxConnectionsPerUser,
		WriteTimeout:          time.Second * time.Duration(hubConfig.WriteTimeout),
		PingInterval:          heartbeat.PingIntervalDuration(),
		HeartbeatTimeout:      heartbeat.TimeoutDuration(),
		SweepInterval:         heartbeat.SweepIntervalDuration(),
	}
}

// Hub the registry of live connections
type Hub interface {
	// Register add a connection and start serving it. Registering a connection which
	// is no longer open is a no-op.
	Register(conn *Connection) error
	// Unregister remove and close a connection. Unknown IDs are ignored.
	Unregister(connID string)
	// Broadcast queue an event to every connection matching the scope. A connection
	// which can not accept the frame is removed without affecting the others.
	// Returns the number of connections the event was queued to.
	Broadcast(scope Scope, event protocol.Event) (int, error)
	// ConnectionCount number of live connections
	ConnectionCount() int
	// UserCount number of identities with at least one live connection
	UserCount() int
	// ConnectionsForUser number of live connections of one identity
	ConnectionsForUser(userID string) int
	// Stop close every connection with going-away, and stop the heartbeat monitor
	Stop() error
}

// connectionSet connections by ID
type connectionSet map[string]*Connection

// hubImpl implements Hub
type hubImpl struct {
	common.Component
	params  Params
	metrics Metrics
	wg      *sync.WaitGroup
	monitor *heartbeatMonitor

	lock    sync.RWMutex
	stopped bool
	byID    connectionSet
	byUser  map[string]connectionSet
	byOrg   map[string]connectionSet
}

// GetHub define new Hub, and start its heartbeat monitor
func GetHub(
	ctxt context.Context, instance string, params Params, metrics Metrics, wg *sync.WaitGroup,
) (Hub, error) {
	if params.OutboundBuffer < 1 {
		return nil, fmt.Errorf("outbound buffer must be positive: %d", params.OutboundBuffer)
	}
	if params.PingInterval <= 0 || params.SweepInterval <= 0 || params.WriteTimeout <= 0 {
		return nil, fmt.Errorf("hub intervals must be positive")
	}
	if params.HeartbeatTimeout <= params.PingInterval {
		return nil, fmt.Errorf(
			"heartbeat timeout %s must exceed ping interval %s",
			params.HeartbeatTimeout, params.PingInterval,
		)
	}
	if metrics == nil {
		var err error
		if metrics, err = GetPrometheusMetrics(prometheus.NewRegistry()); err != nil {
			return nil, err
		}
	}
	h := &hubImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "hub", "component": "registry", "instance": instance},
		},
		params:  params,
		metrics: metrics,
		wg:      wg,
		byID:    make(connectionSet),
		byUser:  make(map[string]connectionSet),
		byOrg:   make(map[string]connectionSet),
	}
	monitor, err := defineHeartbeatMonitor(ctxt, h, wg)
	if err != nil {
		return nil, err
	}
	h.monitor = monitor
	if err := monitor.start(); err != nil {
		return nil, err
	}
	return h, nil
}

// Register add a connection and start serving it
func (h *hubImpl) Register(conn *Connection) error {
	if conn.State() != StateOpen {
		log.WithFields(h.LogTags).Debugf("Ignoring register of closed connection %s", conn.ID)
		return nil
	}
	userID := conn.Identity.UserID

	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		return ErrHubStopped
	}
	if _, ok := h.byID[conn.ID]; ok {
		h.lock.Unlock()
		return nil
	}
	if h.params.MaxConnectionsPerUser > 0 &&
		len(h.byUser[userID]) >= h.params.MaxConnectionsPerUser {
		h.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrTooManyConnections, userID)
	}
	h.byID[conn.ID] = conn
	addToIndex(h.byUser, userID, conn)
	for _, org := range conn.Identity.Orgs {
		addToIndex(h.byOrg, org, conn)
	}
	total := len(h.byID)
	h.lock.Unlock()

	h.metrics.ConnectionOpened()
	log.WithFields(h.LogTags).Infof(
		"Registered connection %s for user %s (total %d)", conn.ID, userID, total,
	)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		conn.writePump(h)
	}()
	go func() {
		defer h.wg.Done()
		conn.readPump(h)
	}()
	return nil
}

// Unregister remove and close a connection
func (h *hubImpl) Unregister(connID string) {
	h.lock.RLock()
	conn, ok := h.byID[connID]
	h.lock.RUnlock()
	if !ok {
		return
	}
	h.remove(conn, websocket.CloseNormalClosure, "")
}

// remove take a connection out of the registry and request it to close. Removing a
// connection which is already gone only repeats the close request, which is a no-op.
func (h *hubImpl) remove(conn *Connection, code int, reason string) {
	h.lock.Lock()
	current, ok := h.byID[conn.ID]
	removed := ok && current == conn
	if removed {
		delete(h.byID, conn.ID)
		removeFromIndex(h.byUser, conn.Identity.UserID, conn.ID)
		for _, org := range conn.Identity.Orgs {
			removeFromIndex(h.byOrg, org, conn.ID)
		}
	}
	h.lock.Unlock()

	conn.requestClose(code, reason)
	if removed {
		h.metrics.ConnectionClosed()
		log.WithFields(h.LogTags).Infof(
			"Removed connection %s for user %s (code %d)", conn.ID, conn.Identity.UserID, code,
		)
	}
}

// targets snapshot the connections matching a scope
func (h *hubImpl) targets(scope Scope) []*Connection {
	h.lock.RLock()
	defer h.lock.RUnlock()
	result := []*Connection{}
	switch scope.Kind {
	case ScopeKindAll:
		for _, conn := range h.byID {
			result = append(result, conn)
		}
	case ScopeKindOrganization:
		for _, conn := range h.byOrg[scope.OrgSlug] {
			result = append(result, conn)
		}
	case ScopeKindUser, ScopeKindUsers:
		seen := map[string]bool{}
		for _, userID := range scope.UserIDs {
			if seen[userID] {
				continue
			}
			seen[userID] = true
			for _, conn := range h.byUser[userID] {
				result = append(result, conn)
			}
		}
	}
	return result
}

// Broadcast queue an event to every connection matching the scope
func (h *hubImpl) Broadcast(scope Scope, event protocol.Event) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	frame, err := protocol.Encode(event)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to encode broadcast")
		return 0, err
	}
	h.lock.RLock()
	stopped := h.stopped
	h.lock.RUnlock()
	if stopped {
		return 0, ErrHubStopped
	}

	queued := 0
	for _, conn := range h.targets(scope) {
		if err := conn.enqueue(frame); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Unable to queue %s to connection %s", event.Type(), conn.ID,
			)
			if errors.Is(err, ErrOutboundFull) {
				// The writer is stalled, so do not wait on it to release the transport
				h.metrics.WriteFailure("outbound_full")
				h.remove(conn, websocket.ClosePolicyViolation, "outbound queue full")
				conn.terminate(websocket.ClosePolicyViolation, "outbound queue full")
			}
			continue
		}
		queued++
	}
	h.metrics.BroadcastSent(event.Type(), queued)
	log.WithFields(h.LogTags).Debugf("Broadcast %s to %s reached %d", event.Type(), scope, queued)
	return queued, nil
}

// ConnectionCount number of live connections
func (h *hubImpl) ConnectionCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.byID)
}

// UserCount number of identities with at least one live connection
func (h *hubImpl) UserCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.byUser)
}

// ConnectionsForUser number of live connections of one identity
func (h *hubImpl) ConnectionsForUser(userID string) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.byUser[userID])
}

// staleConnections connections not heard from since the cutoff
func (h *hubImpl) staleConnections(cutoff time.Time) []*Connection {
	h.lock.RLock()
	defer h.lock.RUnlock()
	result := []*Connection{}
	for _, conn := range h.byID {
		if conn.LastHeartbeat().Before(cutoff) {
			result = append(result, conn)
		}
	}
	return result
}

// Stop close every connection with going-away, and stop the heartbeat monitor
func (h *hubImpl) Stop() error {
	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		return nil
	}
	h.stopped = true
	all := make([]*Connection, 0, len(h.byID))
	for _, conn := range h.byID {
		all = append(all, conn)
	}
	h.lock.Unlock()

	log.WithFields(h.LogTags).Infof("Stopping hub, closing %d connections", len(all))
	if err := h.monitor.stop(); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to stop heartbeat monitor")
	}
	for _, conn := range all {
		h.remove(conn, websocket.CloseGoingAway, "server shutdown")
	}
	return nil
}

func addToIndex(index map[string]connectionSet, key string, conn *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(connectionSet)
		index[key] = set
	}
	set[conn.ID] = conn
}

func removeFromIndex(index map[string]connectionSet, key string, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}
