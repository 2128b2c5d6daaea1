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

// Package signals provides a narrow in-process publish / subscribe bus for
// listeners which react to hub events without owning any cached data.
package signals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/pushhub/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Topic a signal topic name
type Topic string

// Signal topics raised by the client stack
const (
	TopicUserUpdated           Topic = "user.updated"
	TopicUsageLimitExceeded    Topic = "usage.limit_exceeded"
	TopicSubscriptionUpdated   Topic = "subscription.updated"
	TopicOrganizationUpdated   Topic = "organization.updated"
	TopicOrganizationDeleted   Topic = "organization.deleted"
	TopicMembersChanged        Topic = "organization.members_changed"
	TopicFeatureFlagsChanged   Topic = "feature_flags.changed"
	TopicConnectionStateChange Topic = "connection.state_changed"
	TopicNotificationReceived  Topic = "notification.received"
)

// Signal one published signal
type Signal struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Handler a signal listener
type Handler func(ctxt context.Context, signal Signal) error

// Bus signal publish / subscribe
type Bus interface {
	// Publish deliver a signal to every listener of the topic, in subscription order.
	// Publish returns once every listener has been called.
	Publish(ctxt context.Context, topic Topic, payload interface{}) error
	// Subscribe register a listener for a topic. The returned function removes the listener.
	Subscribe(topic Topic, handler Handler) (func(), error)
}

type subscriber struct {
	id      uint64
	handler Handler
}

// memoryBusImpl implements Bus within one process
type memoryBusImpl struct {
	common.Component
	lock        sync.RWMutex
	nextID      uint64
	subscribers map[Topic][]subscriber
}

// GetMemoryBus define new in-process Bus
func GetMemoryBus(instance string) Bus {
	return &memoryBusImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "signals", "component": "memory-bus", "instance": instance,
			},
		},
		subscribers: make(map[Topic][]subscriber),
	}
}

// Subscribe register a listener for a topic
func (b *memoryBusImpl) Subscribe(topic Topic, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler for topic %s", topic)
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[topic] = append(b.subscribers[topic], subscriber{id: id, handler: handler})
	return func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		current := b.subscribers[topic]
		for idx, one := range current {
			if one.id == id {
				b.subscribers[topic] = append(current[:idx:idx], current[idx+1:]...)
				break
			}
		}
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}, nil
}

// Publish deliver a signal to every listener of the topic
func (b *memoryBusImpl) Publish(ctxt context.Context, topic Topic, payload interface{}) error {
	b.lock.RLock()
	listeners := make([]subscriber, len(b.subscribers[topic]))
	copy(listeners, b.subscribers[topic])
	b.lock.RUnlock()

	signal := Signal{
		ID: uuid.New().String(), Topic: topic, Timestamp: time.Now(), Payload: payload,
	}
	log.WithFields(b.LogTags).Debugf("Signal %s to %d listeners", topic, len(listeners))
	for _, listener := range listeners {
		if err := ctxt.Err(); err != nil {
			return err
		}
		b.deliver(ctxt, listener, signal)
	}
	return nil
}

// deliver call one listener, containing any failure
func (b *memoryBusImpl) deliver(ctxt context.Context, listener subscriber, signal Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(b.LogTags).Errorf("Listener of %s panicked: %v", signal.Topic, r)
		}
	}()
	if err := listener.handler(ctxt, signal); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Listener of %s failed", signal.Topic)
	}
}
