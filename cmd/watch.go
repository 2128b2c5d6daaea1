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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/pushhub/client"
	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/invalidation"
	"github.com/alwitt/pushhub/notification"
	"github.com/alwitt/pushhub/signals"
	"github.com/apex/log"
)

// WatchClient the assembled client stack
type WatchClient struct {
	// Controller the connection lifecycle
	Controller client.Controller
	// Surfacer the notification history
	Surfacer notification.Surfacer
	// Bus the application signal bus
	Bus signals.Bus
}

// watchedTopics signals logged by the watch client
var watchedTopics = []signals.Topic{
	signals.TopicUserUpdated,
	signals.TopicUsageLimitExceeded,
	signals.TopicSubscriptionUpdated,
	signals.TopicOrganizationUpdated,
	signals.TopicOrganizationDeleted,
	signals.TopicMembersChanged,
	signals.TopicFeatureFlagsChanged,
	signals.TopicConnectionStateChange,
	signals.TopicNotificationReceived,
}

// DefineWatchClient build the client stack against the configured hub
func DefineWatchClient(
	runTimeContext context.Context,
	config *common.ClientConfig,
	instance string,
	dialer client.Dialer,
	wg *sync.WaitGroup,
) (WatchClient, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch-client",
		"instance":  instance,
	}

	bus := signals.GetMemoryBus(instance)
	for _, topic := range watchedTopics {
		if _, err := bus.Subscribe(topic, func(_ context.Context, s signals.Signal) error {
			log.WithFields(logTags).Infof("Signal %s: %+v", s.Topic, s.Payload)
			return nil
		}); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to watch %s", topic)
			return WatchClient{}, err
		}
	}

	surfacer, err := notification.GetSurfacer(instance, config.HistorySize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define notification surfacer")
		return WatchClient{}, err
	}

	router, err := client.GetRouter(
		instance, surfacer, invalidation.GetLoggingInvalidator(instance), bus,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message router")
		return WatchClient{}, err
	}

	params := client.ControllerParamsFromConfig(*config)
	var validator client.SessionValidator
	if config.SessionURL != "" {
		validator = client.HTTPSessionValidator{
			SessionURL: config.SessionURL,
			Token:      params.Token,
			Client:     &http.Client{},
			Timeout:    time.Second * 10,
		}
	}

	controller, err := client.GetController(
		runTimeContext, instance, params, dialer, validator, router, bus, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection controller")
		return WatchClient{}, err
	}

	return WatchClient{Controller: controller, Surfacer: surfacer, Bus: bus}, nil
}

// RunWatchClient connect to the hub, and log every event received until the runtime
// context is canceled
func RunWatchClient(
	runTimeContext context.Context,
	config *common.ClientConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch-client",
		"instance":  instance,
	}

	if config.Token == "" {
		return fmt.Errorf("watch client requires a session token")
	}

	// The client outlives the runtime context long enough to close the connection normally
	clientCtxt, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	watcher, err := DefineWatchClient(
		clientCtxt,
		config,
		instance,
		client.WebsocketDialer{HandshakeTimeout: time.Second * 10, WriteTimeout: time.Second * 10},
		wg,
	)
	if err != nil {
		return err
	}

	if err := watcher.Controller.SetAuthenticated(clientCtxt, true); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start connection")
		_ = watcher.Controller.Stop()
		return err
	}

	log.WithFields(logTags).Infof("Watching %s", config.ServerURL)

	<-runTimeContext.Done()

	if err := watcher.Controller.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during client shutdown")
	}
	log.WithFields(logTags).Infof(
		"Received %d notifications, %d unread",
		len(watcher.Surfacer.Notifications()), watcher.Surfacer.UnreadCount(),
	)
	return nil
}
