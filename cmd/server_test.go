package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushhub/apis"
	"github.com/alwitt/pushhub/auth"
	"github.com/alwitt/pushhub/client"
	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/hub"
	"github.com/alwitt/pushhub/notification"
	"github.com/alwitt/pushhub/protocol"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func defineTestServerConfig() common.ServerConfig {
	return common.ServerConfig{
		HTTPSetting: common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Pushhub-Request-ID"},
		},
		Endpoints: common.EndpointConfig{PathPrefix: "/"},
		Hub:       common.HubConfig{OutboundBuffer: 16, WriteTimeout: 2},
		Heartbeat: common.HeartbeatConfig{PingInterval: 5, Timeout: 30, SweepInterval: 5},
		Auth:      common.AuthConfig{JWTSecret: "unit-test-secret", OrgClaim: "orgs"},
		RateLimit: common.RateLimitConfig{UpgradesPerMinute: 60, Burst: 10},
	}
}

func publishTestEvent(
	t *testing.T, serverURL string, request apis.PublishEventRequest,
) apis.PublishEventResponse {
	body, err := json.Marshal(&request)
	assert.Nil(t, err)
	resp, err := http.Post(serverURL+"/v1/events", "application/json", bytes.NewReader(body))
	assert.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var parsed apis.PublishEventResponse
	assert.Nil(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return parsed
}

func TestHubServerEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	serverConfig := defineTestServerConfig()
	server, err := DefineHubServer(utCtxt, &serverConfig, "testing", &wg)
	assert.Nil(err)
	testServer := httptest.NewServer(server.Router)
	defer testServer.Close()
	defer func() {
		assert.Nil(server.Stop())
	}()

	token, err := auth.MintToken(
		serverConfig.Auth, auth.Identity{UserID: "user-1", Orgs: []string{"acme"}}, time.Minute,
	)
	assert.Nil(err)

	clientConfig := common.ClientConfig{
		ServerURL:    "ws" + strings.TrimPrefix(testServer.URL, "http") + "/v1/ws",
		SessionURL:   testServer.URL + "/v1/session",
		Token:        token,
		BaseInterval: 20,
		BackoffCap:   3,
		MaxRetries:   3,
		KeepAlive:    1,
		HistorySize:  5,
	}
	watcher, err := DefineWatchClient(
		utCtxt, &clientConfig, "testing", client.WebsocketDialer{HandshakeTimeout: time.Second}, &wg,
	)
	assert.Nil(err)
	defer func() {
		assert.Nil(watcher.Controller.Stop())
	}()

	// Case 0: connect
	assert.Nil(watcher.Controller.SetAuthenticated(utCtxt, true))
	assert.Eventually(watcher.Controller.IsConnected, time.Second*2, time.Millisecond*10)
	assert.Eventually(func() bool {
		return server.Hub.ConnectionsForUser("user-1") == 1
	}, time.Second*2, time.Millisecond*10)

	// Case 1: payment failure reaches the notification history
	{
		resp := publishTestEvent(t, testServer.URL, apis.PublishEventRequest{
			Scope: hub.ScopeUser("user-1"),
			Type:  protocol.TypeSubscriptionUpdate,
			Payload: json.RawMessage(
				`{"event":"payment_failed","status":"past_due","message":"Card declined","timestamp":"2024-01-02T03:04:05Z"}`,
			),
		})
		assert.Equal(1, resp.Recipients)
		assert.Eventually(func() bool {
			return watcher.Surfacer.UnreadCount() == 1
		}, time.Second*2, time.Millisecond*10)
		record := watcher.Surfacer.Notifications()[0]
		assert.Equal("Payment Failed", record.Title)
		assert.Equal(notification.SeverityError, record.Severity)
		assert.Equal("Card declined", record.Message)
	}

	// Case 2: events for other users are not delivered
	{
		resp := publishTestEvent(t, testServer.URL, apis.PublishEventRequest{
			Scope: hub.ScopeUser("user-2"),
			Type:  protocol.TypeNotification,
			Payload: json.RawMessage(
				`{"id":"n-2","title":"Not for you"}`,
			),
		})
		assert.Equal(0, resp.Recipients)
	}

	// Case 3: broadcast reaches everyone
	{
		resp := publishTestEvent(t, testServer.URL, apis.PublishEventRequest{
			Scope: hub.ScopeAll(),
			Type:  protocol.TypeBroadcast,
			Payload: json.RawMessage(
				`{"id":"b-1","title":"Maintenance tonight","severity":"warning"}`,
			),
		})
		assert.Equal(1, resp.Recipients)
		assert.Eventually(func() bool {
			return len(watcher.Surfacer.Notifications()) == 2
		}, time.Second*2, time.Millisecond*10)
		assert.Equal("b-1", watcher.Surfacer.Notifications()[0].ID)
	}

	// Case 4: client disconnect removes the connection from the hub
	{
		assert.Nil(watcher.Controller.Disconnect(utCtxt))
		assert.Eventually(func() bool {
			return server.Hub.ConnectionCount() == 0
		}, time.Second*2, time.Millisecond*10)
	}

	// Case 5: session check against the hub
	{
		validator := client.HTTPSessionValidator{
			SessionURL: clientConfig.SessionURL,
			Token:      func() string { return token },
		}
		valid, err := validator.ValidateSession(utCtxt)
		assert.Nil(err)
		assert.True(valid)

		validator.Token = func() string { return "expired" }
		valid, err = validator.ValidateSession(utCtxt)
		assert.Nil(err)
		assert.False(valid)
	}
}

func TestRunWatchClientRequiresToken(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	err := RunWatchClient(context.Background(), &common.ClientConfig{}, "testing", &wg)
	assert.NotNil(err)
	wg.Wait()
}
