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

// Package invalidation translates hub events into the cache regions which must
// be discarded by the client side cache store.
package invalidation

import (
	"fmt"

	"github.com/alwitt/pushhub/protocol"
)

// Region identifies one independently invalidatable cache entry
type Region string

// Fixed cache regions
const (
	RegionCurrentUser    Region = "user:me"
	RegionPreferences    Region = "user:preferences"
	RegionSessions       Region = "user:sessions"
	RegionSubscription   Region = "billing:subscription"
	RegionBillingSummary Region = "billing:summary"
	RegionUsageSummary   Region = "billing:usage"
	RegionOrganizations  Region = "orgs"
	RegionFeatureFlags   Region = "feature-flags"
)

// OrgRegion the detail region of one organization
func OrgRegion(slug string) Region {
	return Region(fmt.Sprintf("orgs:%s", slug))
}

// OrgBillingRegion the billing region of one organization
func OrgBillingRegion(slug string) Region {
	return Region(fmt.Sprintf("orgs:%s:billing", slug))
}

// OrgMembersRegion the member list region of one organization
func OrgMembersRegion(slug string) Region {
	return Region(fmt.Sprintf("orgs:%s:members", slug))
}

// OrgInvitationsRegion the pending invitations region of one organization
func OrgInvitationsRegion(slug string) Region {
	return Region(fmt.Sprintf("orgs:%s:invitations", slug))
}

// Map return the cache regions invalidated by an event.
//
// Map has no side effects; identical events always produce identical region lists.
func Map(event protocol.Event) []Region {
	switch e := event.(type) {
	case protocol.UserUpdate:
		switch e.Field {
		case protocol.UserFieldProfile, protocol.UserFieldRole:
			return []Region{RegionCurrentUser}
		case protocol.UserFieldPreferences:
			return []Region{RegionPreferences}
		case protocol.UserFieldSessions:
			return []Region{RegionSessions}
		}
		return nil

	case protocol.UsageAlert:
		return []Region{RegionUsageSummary}

	case protocol.SubscriptionUpdate:
		return []Region{
			RegionSubscription, RegionBillingSummary, RegionCurrentUser, RegionUsageSummary,
		}

	case protocol.OrgUpdate:
		regions := []Region{RegionOrganizations, OrgRegion(e.OrgSlug)}
		if e.Event == protocol.OrgBillingChanged {
			regions = append(regions, OrgBillingRegion(e.OrgSlug))
		}
		return regions

	case protocol.MemberUpdate:
		switch e.Event {
		case protocol.MemberAdded, protocol.MemberRemoved, protocol.MemberRoleChanged:
			return []Region{OrgMembersRegion(e.OrgSlug), OrgRegion(e.OrgSlug)}
		case protocol.MemberInvitationSent, protocol.MemberInvitationRevoked:
			return []Region{OrgInvitationsRegion(e.OrgSlug)}
		}
		return nil

	case protocol.FeatureFlagUpdate:
		return []Region{RegionFeatureFlags}

	case protocol.CacheInvalidate:
		regions := make([]Region, 0, len(e.Regions))
		seen := map[string]bool{}
		for _, one := range e.Regions {
			if seen[one] {
				continue
			}
			seen[one] = true
			regions = append(regions, Region(one))
		}
		return regions
	}
	// Notifications and liveness frames touch no cached data
	return nil
}
