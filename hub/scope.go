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
	"fmt"
)

// ScopeKind addressing mode of a broadcast
type ScopeKind string

// Supported addressing modes
const (
	ScopeKindUser         ScopeKind = "user"
	ScopeKindUsers        ScopeKind = "users"
	ScopeKindOrganization ScopeKind = "organization"
	ScopeKindAll          ScopeKind = "all"
)

// Scope the target of a broadcast
type Scope struct {
	Kind    ScopeKind `json:"kind" validate:"required,oneof=user users organization all"`
	UserIDs []string  `json:"user_ids,omitempty"`
	OrgSlug string    `json:"org_slug,omitempty"`
}

// ScopeUser target every connection of one user
func ScopeUser(userID string) Scope {
	return Scope{Kind: ScopeKindUser, UserIDs: []string{userID}}
}

// ScopeUsers target every connection of a set of users
func ScopeUsers(userIDs ...string) Scope {
	return Scope{Kind: ScopeKindUsers, UserIDs: userIDs}
}

// ScopeOrganization target every connection whose owner is a member of the organization
func ScopeOrganization(slug string) Scope {
	return Scope{Kind: ScopeKindOrganization, OrgSlug: slug}
}

// ScopeAll target every connection
func ScopeAll() Scope {
	return Scope{Kind: ScopeKindAll}
}

// Validate check the scope is well formed
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeKindUser:
		if len(s.UserIDs) != 1 || s.UserIDs[0] == "" {
			return fmt.Errorf("user scope requires exactly one user ID")
		}
	case ScopeKindUsers:
		if len(s.UserIDs) == 0 {
			return fmt.Errorf("users scope requires at least one user ID")
		}
		for _, userID := range s.UserIDs {
			if userID == "" {
				return fmt.Errorf("users scope contains an empty user ID")
			}
		}
	case ScopeKindOrganization:
		if s.OrgSlug == "" {
			return fmt.Errorf("organization scope requires an organization slug")
		}
	case ScopeKindAll:
	default:
		return fmt.Errorf("unknown scope kind '%s'", s.Kind)
	}
	return nil
}

// String implements fmt.Stringer
func (s Scope) String() string {
	switch s.Kind {
	case ScopeKindOrganization:
		return fmt.Sprintf("organization:%s", s.OrgSlug)
	case ScopeKindAll:
		return "all"
	}
	return fmt.Sprintf("%s:%v", s.Kind, s.UserIDs)
}
