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

package invalidation

import (
	"context"

	"github.com/alwitt/pushhub/common"
	"github.com/apex/log"
)

// Invalidator the cache store collaborator which discards cached regions
type Invalidator interface {
	// Invalidate discard one cached region
	Invalidate(ctxt context.Context, region Region) error
}

// InvalidatorFunc adapts a function into an Invalidator
type InvalidatorFunc func(ctxt context.Context, region Region) error

// Invalidate calls f(ctxt, region)
func (f InvalidatorFunc) Invalidate(ctxt context.Context, region Region) error {
	return f(ctxt, region)
}

// loggingInvalidatorImpl implements Invalidator by only logging the request
type loggingInvalidatorImpl struct {
	common.Component
}

// GetLoggingInvalidator define an Invalidator which logs each invalidated region.
// Used when no cache store is attached, such as the watch CLI.
func GetLoggingInvalidator(instance string) Invalidator {
	return &loggingInvalidatorImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "invalidation", "component": "logging-invalidator", "instance": instance,
			},
		},
	}
}

// Invalidate log the region
func (i *loggingInvalidatorImpl) Invalidate(ctxt context.Context, region Region) error {
	localLogTags, err := common.UpdateLogTags(ctxt, i.LogTags)
	if err != nil {
		return err
	}
	log.WithFields(localLogTags).Infof("Invalidate %s", region)
	return nil
}

// Apply invalidate every region produced by the mapper. Failures are logged and do not
// stop the remaining invalidations. Returns the number of regions successfully invalidated.
func Apply(ctxt context.Context, invalidator Invalidator, regions []Region) int {
	applied := 0
	for _, region := range regions {
		if err := invalidator.Invalidate(ctxt, region); err != nil {
			log.WithError(err).WithField("region", region).Error("Cache invalidation failed")
			continue
		}
		applied++
	}
	return applied
}
