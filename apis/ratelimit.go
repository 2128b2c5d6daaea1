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

package apis

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/pushhub/common"
	"github.com/apex/log"
	"golang.org/x/time/rate"
)

// identityLimiter the upgrade limiter of one identity
type identityLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// UpgradeLimiter limits how often one identity may open new connections
type UpgradeLimiter struct {
	common.Component
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lock     sync.Mutex
	limiters map[string]*identityLimiter
	cleanup  common.IntervalTimer
}

// GetUpgradeLimiter define new UpgradeLimiter. Limiters idle for longer than idleTTL
// are dropped periodically.
func GetUpgradeLimiter(
	ctxt context.Context,
	config common.RateLimitConfig,
	idleTTL time.Duration,
	wg *sync.WaitGroup,
) (*UpgradeLimiter, error) {
	cleanup, err := common.GetIntervalTimerInstance(ctxt, "upgrade-limiter-cleanup", wg)
	if err != nil {
		return nil, err
	}
	instance := &UpgradeLimiter{
		Component: common.Component{
			LogTags: log.Fields{"module": "apis", "component": "upgrade-limiter"},
		},
		limit:    rate.Limit(float64(config.UpgradesPerMinute) / 60.0),
		burst:    config.Burst,
		idleTTL:  idleTTL,
		limiters: make(map[string]*identityLimiter),
		cleanup:  cleanup,
	}
	if err := cleanup.Start(idleTTL, instance.dropIdle, false); err != nil {
		return nil, err
	}
	return instance, nil
}

// Allow whether the identity may open another connection now
func (l *UpgradeLimiter) Allow(userID string) bool {
	l.lock.Lock()
	entry, ok := l.limiters[userID]
	if !ok {
		entry = &identityLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastAccess = time.Now()
	l.lock.Unlock()
	return entry.limiter.Allow()
}

// Size number of identities currently tracked
func (l *UpgradeLimiter) Size() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.limiters)
}

// Stop stop the periodic cleanup
func (l *UpgradeLimiter) Stop() error {
	return l.cleanup.Stop()
}

// dropIdle remove limiters not used within the idle TTL
func (l *UpgradeLimiter) dropIdle() error {
	cutoff := time.Now().Add(-l.idleTTL)
	l.lock.Lock()
	defer l.lock.Unlock()
	for userID, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, userID)
		}
	}
	return nil
}
