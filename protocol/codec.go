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

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedFrame the frame could not be parsed into its declared shape
var ErrMalformedFrame = errors.New("malformed frame")

// ErrUnknownType the frame carries a type tag outside the supported set
var ErrUnknownType = errors.New("unknown message type")

var validate = validator.New()

// Encode serialize an event into a wire frame
func Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("can not encode nil event")
	}
	envelope := Envelope{Type: event.Type()}
	switch event.(type) {
	case Ping, *Ping, Pong, *Pong:
	default:
		payload, err := json.Marshal(event)
		if err != nil {
			return nil, err
		}
		envelope.Payload = payload
	}
	return json.Marshal(&envelope)
}

// Decode parse a wire frame into its event variant
func Decode(frame []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err.Error())
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return FromEnvelope(envelope)
}

// FromEnvelope convert an already parsed envelope into its event variant
func FromEnvelope(envelope Envelope) (Event, error) {
	switch envelope.Type {
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeNotification:
		var event Notification
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeBroadcast:
		var event Broadcast
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeUserUpdate:
		var event UserUpdate
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeUsageAlert:
		var event UsageAlert
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeSubscriptionUpdate:
		var event SubscriptionUpdate
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeOrgUpdate:
		var event OrgUpdate
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeMemberUpdate:
		var event MemberUpdate
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeFeatureFlagUpdate:
		var event FeatureFlagUpdate
		return decodePayload(envelope, &event, func() Event { return event })
	case TypeCacheInvalidate:
		var event CacheInvalidate
		return decodePayload(envelope, &event, func() Event { return event })
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, envelope.Type)
	}
}

// decodePayload helper function to parse and validate the payload of one frame
func decodePayload(envelope Envelope, target interface{}, result func() Event) (Event, error) {
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s frame has no payload", ErrMalformedFrame, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, target); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %s", ErrMalformedFrame, envelope.Type, err.Error())
	}
	if err := Validate(target); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %s", ErrMalformedFrame, envelope.Type, err.Error())
	}
	return result(), nil
}

// Validate check the event payload against its declared constraints
func Validate(event interface{}) error {
	return validate.Struct(event)
}
