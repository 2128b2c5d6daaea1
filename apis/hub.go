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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushhub/auth"
	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/hub"
	"github.com/alwitt/pushhub/protocol"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxClientFrameSize largest frame a client may send
const maxClientFrameSize = 64 * 1024

// APIRestHubHandler REST and websocket handler for the connection hub
type APIRestHubHandler struct {
	goutils.RestAPIHandler
	core          hub.Hub
	authenticator auth.Authenticator
	limiter       *UpgradeLimiter
	upgrader      websocket.Upgrader
	hubConfig     common.HubConfig
	gatherer      prometheus.Gatherer
	validate      *validator.Validate
}

// GetAPIRestHubHandler define APIRestHubHandler
func GetAPIRestHubHandler(
	core hub.Hub,
	authenticator auth.Authenticator,
	limiter *UpgradeLimiter,
	httpConfig *common.HTTPConfig,
	hubConfig common.HubConfig,
	gatherer prometheus.Gatherer,
) (APIRestHubHandler, error) {
	if core == nil || authenticator == nil || limiter == nil {
		return APIRestHubHandler{}, fmt.Errorf("hub handler requires hub, authenticator, and limiter")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "hub",
	}
	return APIRestHubHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		core:           core,
		authenticator:  authenticator,
		limiter:        limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sessions are carried as bearer tokens, not cookies
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hubConfig: hubConfig,
		gatherer:  gatherer,
		validate:  validator.New(),
	}, nil
}

// logTagsForRequest log tags extended with the request parameters
func (h APIRestHubHandler) logTagsForRequest(r *http.Request) log.Fields {
	tags, _ := common.UpdateLogTags(r.Context(), h.LogTags)
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		tags["user"] = identity.UserID
	}
	return tags
}

// =======================================================================
// Websocket

// Upgrade godoc
// @Summary Open a push connection
// @Description Upgrade to a websocket carrying hub events. The session token is read
// from the Authorization header, or the token query parameter.
// @tags Hub
// @Param Pushhub-Request-ID header string false "User provided request ID to match against logs"
// @Param token query string false "Session token, if not provided through the Authorization header"
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws [get]
func (h APIRestHubHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	reject := func(respCode int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	identity, err := h.authenticator.Authenticate(r)
	if err != nil {
		msg := "Unauthenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		reject(http.StatusUnauthorized, msg, err.Error())
		return
	}
	r = r.WithContext(auth.WithIdentity(r.Context(), identity))
	localLogTags = h.logTagsForRequest(r)
	if !h.limiter.Allow(identity.UserID) {
		msg := fmt.Sprintf("Too many connection attempts by %s", identity.UserID)
		log.WithFields(localLogTags).Warn(msg)
		reject(http.StatusTooManyRequests, msg, msg)
		return
	}
	if h.hubConfig.MaxConnectionsPerUser > 0 &&
		h.core.ConnectionsForUser(identity.UserID) >= h.hubConfig.MaxConnectionsPerUser {
		msg := fmt.Sprintf("Connection limit reached for %s", identity.UserID)
		log.WithFields(localLogTags).Warn(msg)
		reject(http.StatusConflict, msg, msg)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	conn, err := hub.NewConnection(
		identity, hub.NewWebsocketTransport(ws, maxClientFrameSize), h.hubConfig.OutboundBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define connection")
		_ = ws.Close()
		return
	}
	if err := h.core.Register(conn); err != nil {
		code := websocket.CloseTryAgainLater
		if errors.Is(err, hub.ErrHubStopped) {
			code = websocket.CloseGoingAway
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to register connection %s", conn.ID)
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
		_ = ws.Close()
		return
	}
	log.WithFields(localLogTags).Debugf("Connection %s opened for %s", conn.ID, identity.UserID)
}

// UpgradeHandler Wrapper around Upgrade
func (h APIRestHubHandler) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Upgrade(w, r)
	}
}

// =======================================================================
// Event publish

// PublishEventRequest an event to fan out
type PublishEventRequest struct {
	// Scope the connections to deliver to
	Scope hub.Scope `json:"scope" validate:"required"`
	// Type the message type
	Type protocol.MessageType `json:"type" validate:"required"`
	// Payload the type specific payload
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublishEventResponse result of a publish
type PublishEventResponse struct {
	goutils.RestAPIBaseResponse
	// Recipients number of connections the event was queued to
	Recipients int `json:"recipients"`
}

// PublishEvent godoc
// @Summary Publish an event
// @Description Fan out one event to every live connection matching the scope
// @tags Hub
// @Accept json
// @Produce json
// @Param Pushhub-Request-ID header string false "User provided request ID to match against logs"
// @Param event body PublishEventRequest true "Event to publish"
// @Success 200 {object} PublishEventResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/events [post]
func (h APIRestHubHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalid request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := request.Scope.Validate(); err != nil {
		msg := "Invalid scope"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	event, err := protocol.FromEnvelope(protocol.Envelope{Type: request.Type, Payload: request.Payload})
	if err != nil {
		msg := fmt.Sprintf("Invalid %s event", request.Type)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	recipients, err := h.core.Broadcast(request.Scope, event)
	if err != nil {
		msg := fmt.Sprintf("Unable to publish %s to %s", request.Type, request.Scope)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if errors.Is(err, hub.ErrHubStopped) {
			respCode = http.StatusServiceUnavailable
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = PublishEventResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: readRequestID(r),
		}, Recipients: recipients,
	}
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestHubHandler) PublishEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	}
}

// =======================================================================
// Session

// SessionResponse the identity behind a valid session token
type SessionResponse struct {
	goutils.RestAPIBaseResponse
	// Identity the session owner
	Identity auth.Identity `json:"identity"`
}

// Session godoc
// @Summary Validate a session
// @Description Check whether the presented session token is still valid
// @tags Hub
// @Produce json
// @Param Pushhub-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} SessionResponse "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session [get]
func (h APIRestHubHandler) Session(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, err := h.authenticator.Authenticate(r)
	if err != nil {
		msg := "Session not valid"
		log.WithError(err).WithFields(localLogTags).Debug(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}
	r = r.WithContext(auth.WithIdentity(r.Context(), identity))
	localLogTags = h.logTagsForRequest(r)
	log.WithFields(localLogTags).Debug("Session valid")
	respCode = http.StatusOK
	respBody = SessionResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: readRequestID(r),
		}, Identity: identity,
	}
}

// SessionHandler Wrapper around Session
func (h APIRestHubHandler) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Session(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For hub REST API liveness check
// @Description Will return success to indicate hub REST API module is live
// @tags Hub
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestHubHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHubHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// ReadyResponse hub readiness with current load
type ReadyResponse struct {
	goutils.RestAPIBaseResponse
	// Connections number of live connections
	Connections int `json:"connections"`
	// Users number of connected identities
	Users int `json:"users"`
}

// Ready godoc
// @Summary For hub REST API readiness check
// @Description Will return success with the current connection load
// @tags Hub
// @Produce json
// @Success 200 {object} ReadyResponse "success"
// @Router /ready [get]
func (h APIRestHubHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	resp := ReadyResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: readRequestID(r),
		},
		Connections: h.core.ConnectionCount(),
		Users:       h.core.UserCount(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestHubHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// MetricsHandler prometheus scrape end-point
func (h APIRestHubHandler) MetricsHandler() http.HandlerFunc {
	if h.gatherer == nil {
		return promhttp.Handler().ServeHTTP
	}
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP
}
