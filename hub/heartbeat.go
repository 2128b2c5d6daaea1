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
	"sync"
	"time"

	"github.com/alwitt/pushhub/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// heartbeatMonitor periodically removes connections which stopped answering
// liveness probes
type heartbeatMonitor struct {
	common.Component
	hub   *hubImpl
	timer common.IntervalTimer
}

// defineHeartbeatMonitor define the heartbeat monitor of a hub
func defineHeartbeatMonitor(
	ctxt context.Context, hub *hubImpl, wg *sync.WaitGroup,
) (*heartbeatMonitor, error) {
	timer, err := common.GetIntervalTimerInstance(ctxt, "heartbeat-sweep", wg)
	if err != nil {
		return nil, err
	}
	return &heartbeatMonitor{
		Component: common.Component{
			LogTags: log.Fields{"module": "hub", "component": "heartbeat-monitor"},
		},
		hub:   hub,
		timer: timer,
	}, nil
}

func (m *heartbeatMonitor) start() error {
	log.WithFields(m.LogTags).Infof(
		"Sweeping every %s, timeout %s", m.hub.params.SweepInterval, m.hub.params.HeartbeatTimeout,
	)
	return m.timer.Start(m.hub.params.SweepInterval, m.sweep, false)
}

func (m *heartbeatMonitor) stop() error {
	return m.timer.Stop()
}

// sweep remove and forcibly close every connection silent past the timeout
func (m *heartbeatMonitor) sweep() error {
	cutoff := time.Now().Add(-m.hub.params.HeartbeatTimeout)
	stale := m.hub.staleConnections(cutoff)
	for _, conn := range stale {
		log.WithFields(m.LogTags).Infof(
			"Connection %s of user %s silent since %s, evicting",
			conn.ID, conn.Identity.UserID, conn.LastHeartbeat().Format(time.RFC3339),
		)
		m.hub.metrics.HeartbeatEviction()
		m.hub.remove(conn, websocket.CloseGoingAway, "heartbeat timeout")
		conn.terminate(websocket.CloseGoingAway, "heartbeat timeout")
	}
	return nil
}
