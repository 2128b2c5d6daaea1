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
	"fmt"
	"net/http"
	"time"
)

// SessionValidator the auth collaborator consulted before each reconnect attempt
type SessionValidator interface {
	// ValidateSession whether the session is still valid. An error means validity could
	// not be determined.
	ValidateSession(ctxt context.Context) (bool, error)
}

// SessionValidatorFunc adapts a function into a SessionValidator
type SessionValidatorFunc func(ctxt context.Context) (bool, error)

// ValidateSession calls f(ctxt)
func (f SessionValidatorFunc) ValidateSession(ctxt context.Context) (bool, error) {
	return f(ctxt)
}

// HTTPSessionValidator validates the session against the hub session end-point
type HTTPSessionValidator struct {
	// SessionURL the session end-point
	SessionURL string
	// Token returns the current session token
	Token func() string
	// Client the HTTP client. http.DefaultClient if nil.
	Client *http.Client
	// Timeout max duration of one check
	Timeout time.Duration
}

// ValidateSession query the session end-point
func (v HTTPSessionValidator) ValidateSession(ctxt context.Context) (bool, error) {
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, v.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, v.SessionURL, nil)
	if err != nil {
		return false, err
	}
	if v.Token != nil {
		if token := v.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	httpClient := v.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	}
	return false, fmt.Errorf("session check returned %d", resp.StatusCode)
}
