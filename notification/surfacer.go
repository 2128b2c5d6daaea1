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

package notification

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/pushhub/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Record one user visible notification
type Record struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity"`
	CreatedAt time.Time              `json:"created_at"`
	Read      bool                   `json:"read"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Surfacer maintains the bounded notification history
type Surfacer interface {
	// Add insert a record at the head of the history. Records without an ID or creation
	// time have them assigned. The oldest record is evicted when the history is full.
	Add(record Record) Record
	// MarkAsRead mark one record as read
	MarkAsRead(id string)
	// MarkAllAsRead mark every record as read
	MarkAllAsRead()
	// Remove delete one record
	Remove(id string)
	// ClearAll delete every record
	ClearAll()
	// Notifications the history, newest first
	Notifications() []Record
	// UnreadCount number of records not yet read
	UnreadCount() int
}

// surfacerImpl implements Surfacer
type surfacerImpl struct {
	common.Component
	capacity int
	lock     sync.Mutex
	// records newest first
	records []Record
	unread  int
}

// GetSurfacer define new Surfacer holding at most capacity records
func GetSurfacer(instance string, capacity int) (Surfacer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("notification history capacity must be positive: %d", capacity)
	}
	return &surfacerImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "notification", "component": "surfacer", "instance": instance,
			},
		},
		capacity: capacity,
		records:  make([]Record, 0, capacity),
	}, nil
}

// Add insert a record at the head of the history
func (s *surfacerImpl) Add(record Record) Record {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.Severity == "" {
		record.Severity = SeverityInfo
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.records) >= s.capacity {
		evicted := s.records[len(s.records)-1]
		s.records = s.records[:len(s.records)-1]
		if !evicted.Read {
			s.unread--
		}
		log.WithFields(s.LogTags).Debugf("Evicted notification %s", evicted.ID)
	}
	s.records = append(s.records, Record{})
	copy(s.records[1:], s.records[:len(s.records)-1])
	s.records[0] = record
	if !record.Read {
		s.unread++
	}
	return record
}

// MarkAsRead mark one record as read
func (s *surfacerImpl) MarkAsRead(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for idx := range s.records {
		if s.records[idx].ID == id {
			if !s.records[idx].Read {
				s.records[idx].Read = true
				s.unread--
			}
			return
		}
	}
}

// MarkAllAsRead mark every record as read
func (s *surfacerImpl) MarkAllAsRead() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for idx := range s.records {
		s.records[idx].Read = true
	}
	s.unread = 0
}

// Remove delete one record
func (s *surfacerImpl) Remove(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for idx, record := range s.records {
		if record.ID == id {
			if !record.Read {
				s.unread--
			}
			s.records = append(s.records[:idx], s.records[idx+1:]...)
			return
		}
	}
}

// ClearAll delete every record
func (s *surfacerImpl) ClearAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.records = s.records[:0]
	s.unread = 0
}

// Notifications the history, newest first
func (s *surfacerImpl) Notifications() []Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]Record, len(s.records))
	copy(result, s.records)
	return result
}

// UnreadCount number of records not yet read
func (s *surfacerImpl) UnreadCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.unread
}
