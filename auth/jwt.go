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

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/pushhub/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken the presented session token is missing, malformed, expired, or untrusted
var ErrInvalidToken = errors.New("invalid session token")

// Identity the authenticated owner of a connection
type Identity struct {
	// UserID the user identity
	UserID string `json:"user_id" validate:"required"`
	// Orgs slugs of organizations the user is a member of
	Orgs []string `json:"orgs,omitempty"`
}

// Authenticator validates session tokens presented by clients
type Authenticator interface {
	// Authenticate extract and validate the session token of a request
	Authenticate(r *http.Request) (Identity, error)
	// ValidateToken validate a session token
	ValidateToken(token string) (Identity, error)
}

// jwtAuthenticatorImpl implements Authenticator with HMAC signed JWTs
type jwtAuthenticatorImpl struct {
	common.Component
	secret   []byte
	issuer   string
	orgClaim string
}

// GetJWTAuthenticator define new JWT based Authenticator
func GetJWTAuthenticator(config common.AuthConfig) (Authenticator, error) {
	if len(config.JWTSecret) == 0 {
		return nil, fmt.Errorf("JWT secret not provided")
	}
	orgClaim := config.OrgClaim
	if orgClaim == "" {
		orgClaim = "orgs"
	}
	return &jwtAuthenticatorImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "auth", "component": "jwt-authenticator"},
		},
		secret:   []byte(config.JWTSecret),
		issuer:   config.Issuer,
		orgClaim: orgClaim,
	}, nil
}

// TokenFromRequest read the session token of a request
//
// The token is read from the "Authorization: Bearer" header first, then from the
// "token" query parameter, as browsers can not set headers on websocket upgrades.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", fmt.Errorf("%w: invalid authorization format", ErrInvalidToken)
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("%w: no token provided", ErrInvalidToken)
}

// Authenticate extract and validate the session token of a request
func (a *jwtAuthenticatorImpl) Authenticate(r *http.Request) (Identity, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return a.ValidateToken(token)
}

// ValidateToken validate a session token
func (a *jwtAuthenticatorImpl) ValidateToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		if err == nil {
			err = fmt.Errorf("token not valid")
		}
		log.WithError(err).WithFields(a.LogTags).Debug("Token rejected")
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	if !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return Identity{}, fmt.Errorf("%w: token expired or missing expiry", ErrInvalidToken)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	identity := Identity{UserID: subject}
	if rawOrgs, ok := claims[a.orgClaim].([]interface{}); ok {
		for _, rawOrg := range rawOrgs {
			if slug, ok := rawOrg.(string); ok && slug != "" {
				identity.Orgs = append(identity.Orgs, slug)
			}
		}
	}
	return identity, nil
}

// MintToken sign a session token for an identity. Used by tooling and tests.
func MintToken(config common.AuthConfig, identity Identity, ttl time.Duration) (string, error) {
	orgClaim := config.OrgClaim
	if orgClaim == "" {
		orgClaim = "orgs"
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    identity.UserID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
		orgClaim: identity.Orgs,
	}
	if config.Issuer != "" {
		claims["iss"] = config.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.JWTSecret))
}

// ===============================================================================

type identityKey struct{}

// WithIdentity attach an identity to a context
func WithIdentity(ctxt context.Context, identity Identity) context.Context {
	return context.WithValue(ctxt, identityKey{}, identity)
}

// IdentityFromContext read the identity attached to a context
func IdentityFromContext(ctxt context.Context) (Identity, bool) {
	identity, ok := ctxt.Value(identityKey{}).(Identity)
	return identity, ok
}
