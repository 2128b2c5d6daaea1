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

	"github.com/alwitt/pushhub/apis"
	"github.com/alwitt/pushhub/auth"
	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/hub"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// upgradeLimiterIdleTTL how long an idle per identity upgrade limiter is kept
const upgradeLimiterIdleTTL = time.Minute * 10

// HubServer the assembled hub server components
type HubServer struct {
	// Hub the connection registry
	Hub hub.Hub
	// Limiter the websocket upgrade limiter
	Limiter *apis.UpgradeLimiter
	// Router the HTTP request router
	Router *mux.Router
}

// Stop stop the hub and the limiter
func (s HubServer) Stop() error {
	if err := s.Limiter.Stop(); err != nil {
		return err
	}
	return s.Hub.Stop()
}

// DefineHubServer build the hub and its HTTP API
func DefineHubServer(
	runTimeContext context.Context,
	config *common.ServerConfig,
	instance string,
	wg *sync.WaitGroup,
) (HubServer, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub-server",
		"instance":  instance,
	}

	authenticator, err := auth.GetJWTAuthenticator(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authenticator")
		return HubServer{}, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := hub.GetPrometheusMetrics(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub metrics")
		return HubServer{}, err
	}

	core, err := hub.GetHub(
		runTimeContext, instance, hub.ParamsFromConfig(config.Hub, config.Heartbeat), metrics, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub")
		return HubServer{}, err
	}

	limiter, err := apis.GetUpgradeLimiter(
		runTimeContext, config.RateLimit, upgradeLimiterIdleTTL, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define upgrade limiter")
		_ = core.Stop()
		return HubServer{}, err
	}

	httpHandler, err := apis.GetAPIRestHubHandler(
		core, authenticator, limiter, &config.HTTPSetting, config.Hub, registry,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		_ = limiter.Stop()
		_ = core.Stop()
		return HubServer{}, err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Push connections
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": httpHandler.UpgradeHandler(),
	})

	// Event ingress
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/events", map[string]http.HandlerFunc{
		"post": httpHandler.PublishEventHandler(),
	})

	// Session check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/session", map[string]http.HandlerFunc{
		"get": httpHandler.SessionHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": httpHandler.MetricsHandler(),
	})

	// Add request ID and logging
	router.Use(apis.AttachRequestID(config.HTTPSetting.Logging.RequestIDHeader))
	accessLog := apis.LogWriter{Component: common.Component{LogTags: logTags}}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	return HubServer{Hub: core, Limiter: limiter, Router: router}, nil
}

// RunHubServer run the hub server until the runtime context is canceled
func RunHubServer(
	runTimeContext context.Context,
	config *common.ServerConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub-server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	server, err := DefineHubServer(localCtxt, config, instance, wg)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(server.Router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Push connections are hijacked, so close them before the HTTP server
	if err := server.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during hub shutdown")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
