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
	"fmt"

	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/invalidation"
	"github.com/alwitt/pushhub/notification"
	"github.com/alwitt/pushhub/protocol"
	"github.com/alwitt/pushhub/signals"
	"github.com/apex/log"
)

// Router dispatches inbound hub frames to the client side collaborators
type Router interface {
	FrameHandler
	// Dispatch act on one decoded event
	Dispatch(ctxt context.Context, event protocol.Event)
}

// routerImpl implements Router
type routerImpl struct {
	common.Component
	surfacer    notification.Surfacer
	invalidator invalidation.Invalidator
	bus         signals.Bus
}

// GetRouter define new message Router
func GetRouter(
	instance string,
	surfacer notification.Surfacer,
	invalidator invalidation.Invalidator,
	bus signals.Bus,
) (Router, error) {
	if surfacer == nil || invalidator == nil || bus == nil {
		return nil, fmt.Errorf("router requires a surfacer, an invalidator and a signal bus")
	}
	logTags := log.Fields{
		"module": "client", "component": "router", "instance": instance,
	}
	return &routerImpl{
		Component:   common.Component{LogTags: logTags},
		surfacer:    surfacer,
		invalidator: invalidator,
		bus:         bus,
	}, nil
}

// HandleFrame decode and dispatch one frame. Frames which can not be decoded are
// logged and dropped.
func (r *routerImpl) HandleFrame(ctxt context.Context, frame []byte) {
	event, err := protocol.Decode(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.WithError(err).WithFields(r.LogTags).Warn("Ignoring frame of unknown type")
		} else {
			log.WithError(err).WithFields(r.LogTags).Warn("Dropping malformed frame")
		}
		return
	}
	r.Dispatch(ctxt, event)
}

// Dispatch act on one decoded event
func (r *routerImpl) Dispatch(ctxt context.Context, event protocol.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithFields(r.LogTags).Errorf("Handling %s panicked: %v", event.Type(), recovered)
		}
	}()

	switch e := event.(type) {
	case protocol.Ping, protocol.Pong:
		return

	case protocol.Notification:
		r.surface(ctxt, e.NotificationPayload)

	case protocol.Broadcast:
		r.surface(ctxt, e.NotificationPayload)

	case protocol.UserUpdate:
		r.invalidate(ctxt, event)
		r.signal(ctxt, signals.TopicUserUpdated, e)

	case protocol.UsageAlert:
		r.invalidate(ctxt, event)
		r.surfaceUsageAlert(ctxt, e)
		if e.AlertType == protocol.AlertExceeded {
			r.signal(ctxt, signals.TopicUsageLimitExceeded, e)
		}

	case protocol.SubscriptionUpdate:
		r.invalidate(ctxt, event)
		r.surfaceSubscriptionUpdate(ctxt, e)
		r.signal(ctxt, signals.TopicSubscriptionUpdated, e)

	case protocol.OrgUpdate:
		r.invalidate(ctxt, event)
		if e.Event == protocol.OrgDeleted {
			r.signal(ctxt, signals.TopicOrganizationDeleted, e)
		} else {
			r.signal(ctxt, signals.TopicOrganizationUpdated, e)
		}

	case protocol.MemberUpdate:
		r.invalidate(ctxt, event)
		r.signal(ctxt, signals.TopicMembersChanged, e)

	case protocol.FeatureFlagUpdate:
		r.invalidate(ctxt, event)
		r.signal(ctxt, signals.TopicFeatureFlagsChanged, e)

	case protocol.CacheInvalidate:
		r.invalidate(ctxt, event)

	default:
		log.WithFields(r.LogTags).Warnf("No handler for %s", event.Type())
	}
}

func (r *routerImpl) invalidate(ctxt context.Context, event protocol.Event) {
	regions := invalidation.Map(event)
	if len(regions) == 0 {
		return
	}
	applied := invalidation.Apply(ctxt, r.invalidator, regions)
	log.WithFields(r.LogTags).Debugf(
		"%s invalidated %d of %d regions", event.Type(), applied, len(regions),
	)
}

func (r *routerImpl) signal(ctxt context.Context, topic signals.Topic, payload interface{}) {
	if err := r.bus.Publish(ctxt, topic, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to signal %s", topic)
	}
}

func (r *routerImpl) surface(ctxt context.Context, payload protocol.NotificationPayload) {
	record := r.surfacer.Add(notification.Record{
		ID:        payload.ID,
		Title:     payload.Title,
		Message:   payload.Message,
		Severity:  payload.Severity,
		CreatedAt: payload.Timestamp,
		Data:      payload.Data,
	})
	r.signal(ctxt, signals.TopicNotificationReceived, record)
}

func (r *routerImpl) surfaceUsageAlert(ctxt context.Context, alert protocol.UsageAlert) {
	severity := notification.SeverityWarning
	title := "Usage Warning"
	if alert.AlertType == protocol.AlertExceeded {
		severity = notification.SeverityError
		title = "Usage Limit Exceeded"
	}
	message := alert.Message
	if message == "" {
		message = fmt.Sprintf(
			"%s usage at %.0f%% of the plan limit", alert.UsageType, alert.PercentageUsed,
		)
	}
	data := map[string]interface{}{
		"usageType":      alert.UsageType,
		"currentUsage":   alert.CurrentUsage,
		"limit":          alert.Limit,
		"percentageUsed": alert.PercentageUsed,
		"canUpgrade":     alert.CanUpgrade,
	}
	if alert.SuggestedPlan != "" {
		data["suggestedPlan"] = alert.SuggestedPlan
	}
	if alert.UpgradeURL != "" {
		data["upgradeUrl"] = alert.UpgradeURL
	}
	record := r.surfacer.Add(notification.Record{
		Title: title, Message: message, Severity: severity, Data: data,
	})
	r.signal(ctxt, signals.TopicNotificationReceived, record)
}

// subscriptionNotices title and severity shown per subscription lifecycle event
var subscriptionNotices = map[string]struct {
	title    string
	severity string
	message  string
}{
	protocol.SubscriptionCreated: {
		"Subscription Created", notification.SeveritySuccess, "Your subscription is now active",
	},
	protocol.SubscriptionUpdated: {
		"Subscription Updated", notification.SeverityInfo, "Your subscription has been updated",
	},
	protocol.SubscriptionDeleted: {
		"Subscription Canceled", notification.SeverityWarning, "Your subscription has been canceled",
	},
	protocol.SubscriptionPaymentFailed: {
		"Payment Failed", notification.SeverityError, "We were unable to process your payment",
	},
}

func (r *routerImpl) surfaceSubscriptionUpdate(
	ctxt context.Context, update protocol.SubscriptionUpdate,
) {
	notice, ok := subscriptionNotices[update.Event]
	if !ok {
		return
	}
	message := update.Message
	if message == "" {
		message = notice.message
	}
	data := map[string]interface{}{"status": update.Status}
	if update.Plan != "" {
		data["plan"] = update.Plan
	}
	record := r.surfacer.Add(notification.Record{
		Title:     notice.title,
		Message:   message,
		Severity:  notice.severity,
		CreatedAt: update.Timestamp,
		Data:      data,
	})
	r.signal(ctxt, signals.TopicNotificationReceived, record)
}
