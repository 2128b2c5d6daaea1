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

// Package protocol defines the pushhub wire frames.
//
// Every frame is a JSON envelope
//
//	{"type": "<message type>", "payload": {...}}
//
// where the type tag fully determines the payload shape. Decoded frames are
// surfaced as one of the Event variants below.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType the discriminating tag of a frame
type MessageType string

// Closed set of supported message types
const (
	TypeNotification       MessageType = "notification"
	TypeBroadcast          MessageType = "broadcast"
	TypeUserUpdate         MessageType = "user_update"
	TypeUsageAlert         MessageType = "usage_alert"
	TypeSubscriptionUpdate MessageType = "subscription_update"
	TypeOrgUpdate          MessageType = "org_update"
	TypeMemberUpdate       MessageType = "member_update"
	TypeFeatureFlagUpdate  MessageType = "feature_flag_update"
	TypeCacheInvalidate    MessageType = "cache_invalidate"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
)

// KnownTypes every supported message type
var KnownTypes = []MessageType{
	TypeNotification,
	TypeBroadcast,
	TypeUserUpdate,
	TypeUsageAlert,
	TypeSubscriptionUpdate,
	TypeOrgUpdate,
	TypeMemberUpdate,
	TypeFeatureFlagUpdate,
	TypeCacheInvalidate,
	TypePing,
	TypePong,
}

// IsKnown whether the message type is part of the supported set
func (t MessageType) IsKnown() bool {
	for _, known := range KnownTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope the raw wire frame
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event a decoded frame. The set of implementations is closed to this package.
type Event interface {
	// Type the message type of the frame
	Type() MessageType
	isEvent()
}

// ===============================================================================
// Notifications

// Notification severities
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// NotificationPayload user visible notification content
type NotificationPayload struct {
	ID        string                 `json:"id" validate:"required"`
	Title     string                 `json:"title" validate:"required"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity" validate:"omitempty,oneof=info success warning error"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Notification notification directed at one user
type Notification struct {
	NotificationPayload
}

// Type returns TypeNotification
func (Notification) Type() MessageType { return TypeNotification }
func (Notification) isEvent()          {}

// Broadcast notification addressed to every connection
type Broadcast struct {
	NotificationPayload
}

// Type returns TypeBroadcast
func (Broadcast) Type() MessageType { return TypeBroadcast }
func (Broadcast) isEvent()          {}

// ===============================================================================
// User

// UserField user attributes which may change
type UserField string

// Supported user attributes
const (
	UserFieldProfile     UserField = "profile"
	UserFieldRole        UserField = "role"
	UserFieldPreferences UserField = "preferences"
	UserFieldSessions    UserField = "sessions"
)

// UserUpdate a user attribute changed
type UserUpdate struct {
	Field UserField       `json:"field" validate:"required,oneof=profile role preferences sessions"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Type returns TypeUserUpdate
func (UserUpdate) Type() MessageType { return TypeUserUpdate }
func (UserUpdate) isEvent()          {}

// ===============================================================================
// Billing

// Usage alert kinds
const (
	AlertWarning  = "warning"
	AlertExceeded = "exceeded"
)

// UsageAlert a usage threshold was crossed
type UsageAlert struct {
	AlertType      string  `json:"alertType" validate:"required,oneof=warning exceeded"`
	UsageType      string  `json:"usageType" validate:"required"`
	CurrentUsage   float64 `json:"currentUsage"`
	Limit          float64 `json:"limit"`
	PercentageUsed float64 `json:"percentageUsed"`
	Message        string  `json:"message"`
	CanUpgrade     bool    `json:"canUpgrade"`
	SuggestedPlan  string  `json:"suggestedPlan,omitempty"`
	UpgradeURL     string  `json:"upgradeUrl,omitempty"`
}

// Type returns TypeUsageAlert
func (UsageAlert) Type() MessageType { return TypeUsageAlert }
func (UsageAlert) isEvent()          {}

// Subscription lifecycle events
const (
	SubscriptionCreated       = "created"
	SubscriptionUpdated       = "updated"
	SubscriptionDeleted       = "deleted"
	SubscriptionPaymentFailed = "payment_failed"
)

// SubscriptionUpdate the billing subscription changed
type SubscriptionUpdate struct {
	Event             string     `json:"event" validate:"required,oneof=created updated deleted payment_failed"`
	Status            string     `json:"status"`
	Plan              string     `json:"plan,omitempty"`
	PriceID           string     `json:"priceId,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	Message           string     `json:"message"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Type returns TypeSubscriptionUpdate
func (SubscriptionUpdate) Type() MessageType { return TypeSubscriptionUpdate }
func (SubscriptionUpdate) isEvent()          {}

// ===============================================================================
// Organization

// Organization setting events
const (
	OrgSettingsChanged = "settings_changed"
	OrgBillingChanged  = "billing_changed"
	OrgDeleted         = "deleted"
)

// OrgUpdate an organization setting changed
type OrgUpdate struct {
	OrgSlug string `json:"orgSlug" validate:"required"`
	Event   string `json:"event" validate:"required,oneof=settings_changed billing_changed deleted"`
	Field   string `json:"field,omitempty"`
}

// Type returns TypeOrgUpdate
func (OrgUpdate) Type() MessageType { return TypeOrgUpdate }
func (OrgUpdate) isEvent()          {}

// Membership events
const (
	MemberAdded             = "added"
	MemberRemoved           = "removed"
	MemberRoleChanged       = "role_changed"
	MemberInvitationSent    = "invitation_sent"
	MemberInvitationRevoked = "invitation_revoked"
)

// MemberUpdate organization membership changed
type MemberUpdate struct {
	OrgSlug string `json:"orgSlug" validate:"required"`
	Event   string `json:"event" validate:"required,oneof=added removed role_changed invitation_sent invitation_revoked"`
	UserID  string `json:"userId,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Type returns TypeMemberUpdate
func (MemberUpdate) Type() MessageType { return TypeMemberUpdate }
func (MemberUpdate) isEvent()          {}

// ===============================================================================
// Feature flags

// Feature flag events
const (
	FlagEnabled  = "enabled"
	FlagDisabled = "disabled"
	FlagUpdated  = "updated"
)

// FeatureFlagUpdate a feature flag changed
type FeatureFlagUpdate struct {
	Event   string `json:"event" validate:"required,oneof=enabled disabled updated"`
	FlagKey string `json:"flagKey,omitempty"`
}

// Type returns TypeFeatureFlagUpdate
func (FeatureFlagUpdate) Type() MessageType { return TypeFeatureFlagUpdate }
func (FeatureFlagUpdate) isEvent()          {}

// ===============================================================================
// Cache

// CacheInvalidate explicitly names the cache regions to invalidate
type CacheInvalidate struct {
	Regions []string `json:"regions" validate:"required,min=1,dive,required"`
}

// Type returns TypeCacheInvalidate
func (CacheInvalidate) Type() MessageType { return TypeCacheInvalidate }
func (CacheInvalidate) isEvent()          {}

// ===============================================================================
// Liveness

// Ping liveness probe
type Ping struct{}

// Type returns TypePing
func (Ping) Type() MessageType { return TypePing }
func (Ping) isEvent()          {}

// Pong liveness acknowledgement
type Pong struct{}

// Type returns TypePong
func (Pong) Type() MessageType { return TypePong }
func (Pong) isEvent()          {}
