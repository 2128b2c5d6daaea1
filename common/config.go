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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Hub Related Config

// HubConfig defines the connection registry parameters
type HubConfig struct {
	// OutboundBuffer is the number of frames which can be queued for one connection
	// before the connection is considered stalled and removed
	OutboundBuffer int `mapstructure:"outbound_buffer" json:"outbound_buffer" validate:"gte=1"`
	// MaxConnectionsPerUser limits the number of live connections one identity may hold.
	// Zero means unlimited.
	MaxConnectionsPerUser int `mapstructure:"max_connections_per_user" json:"max_connections_per_user" validate:"gte=0"`
	// WriteTimeout is the max duration for writing one frame in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// HeartbeatConfig defines the liveness probe parameters
type HeartbeatConfig struct {
	// PingInterval is the duration between server liveness probes in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// Timeout is the max duration since the last liveness answer before a
	// connection is treated as dead, in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gtfield=PingInterval"`
	// SweepInterval is the duration between dead connection sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// PingIntervalDuration returns PingInterval as time.Duration
func (c HeartbeatConfig) PingIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.PingInterval)
}

// TimeoutDuration returns Timeout as time.Duration
func (c HeartbeatConfig) TimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.Timeout)
}

// SweepIntervalDuration returns SweepInterval as time.Duration
func (c HeartbeatConfig) SweepIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.SweepInterval)
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines how connection identities are validated
type AuthConfig struct {
	// JWTSecret is the HMAC secret used to verify session tokens
	JWTSecret string `mapstructure:"jwt_secret" json:"-" validate:"required"`
	// Issuer is the expected token issuer. Not checked if empty.
	Issuer string `mapstructure:"issuer" json:"issuer"`
	// OrgClaim is the token claim listing the organizations the user belongs to
	OrgClaim string `mapstructure:"org_claim" json:"org_claim" validate:"required"`
}

// RateLimitConfig defines the per identity websocket upgrade limits
type RateLimitConfig struct {
	// UpgradesPerMinute is the sustained upgrade rate allowed for one identity
	UpgradesPerMinute int `mapstructure:"upgrades_per_minute" json:"upgrades_per_minute" validate:"gte=1"`
	// Burst is the number of upgrades allowed in a burst
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the hub APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Server Related Config

// ServerConfig defines configuration for the hub server
type ServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Hub are the connection registry parameters
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required,dive"`
	// Heartbeat are the liveness probe parameters
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Auth are the identity validation parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// RateLimit are the websocket upgrade limits
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required,dive"`
}

// ===============================================================================
// Client Related Config

// ClientConfig defines configuration for a pushhub client
type ClientConfig struct {
	// ServerURL is the websocket URL of the hub
	ServerURL string `mapstructure:"server_url" json:"server_url" validate:"required,url"`
	// SessionURL is the URL used to validate the session before reconnecting
	SessionURL string `mapstructure:"session_url" json:"session_url" validate:"omitempty,url"`
	// Token is the session token presented to the hub
	Token string `mapstructure:"token" json:"-"`
	// BaseInterval is the base reconnect delay in milliseconds
	BaseInterval int `mapstructure:"base_interval_ms" json:"base_interval_ms" validate:"gte=1"`
	// BackoffCap is the max multiplier applied to the base reconnect delay
	BackoffCap int `mapstructure:"backoff_cap" json:"backoff_cap" validate:"gte=1"`
	// MaxRetries is the number of consecutive reconnect attempts before giving up
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" validate:"gte=1"`
	// KeepAlive is the duration between client liveness frames in seconds
	KeepAlive int `mapstructure:"keep_alive_sec" json:"keep_alive_sec" validate:"gte=1"`
	// HistorySize is the max number of notification records kept
	HistorySize int `mapstructure:"history_size" json:"history_size" validate:"gte=1"`
}

// BaseIntervalDuration returns BaseInterval as time.Duration
func (c ClientConfig) BaseIntervalDuration() time.Duration {
	return time.Millisecond * time.Duration(c.BaseInterval)
}

// KeepAliveDuration returns KeepAlive as time.Duration
func (c ClientConfig) KeepAliveDuration() time.Duration {
	return time.Second * time.Duration(c.KeepAlive)
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either the server or the client
type SystemConfig struct {
	// Server are the hub server configs
	Server *ServerConfig `mapstructure:"server,omitempty" json:"server,omitempty" validate:"omitempty,dive"`
	// Client are the client configs
	Client *ClientConfig `mapstructure:"client,omitempty" json:"client,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Pushhub-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("server.hub.outbound_buffer", 64)
	viper.SetDefault("server.hub.max_connections_per_user", 0)
	viper.SetDefault("server.hub.write_timeout_sec", 10)
	viper.SetDefault("server.heartbeat.ping_interval_sec", 25)
	viper.SetDefault("server.heartbeat.timeout_sec", 60)
	viper.SetDefault("server.heartbeat.sweep_interval_sec", 15)
	viper.SetDefault("server.auth.org_claim", "orgs")
	viper.SetDefault("server.rate_limit.upgrades_per_minute", 30)
	viper.SetDefault("server.rate_limit.burst", 10)

	// Default client settings
	viper.SetDefault("client.server_url", "ws://127.0.0.1:3000/v1/ws")
	viper.SetDefault("client.base_interval_ms", 1000)
	viper.SetDefault("client.backoff_cap", 5)
	viper.SetDefault("client.max_retries", 10)
	viper.SetDefault("client.keep_alive_sec", 30)
	viper.SetDefault("client.history_size", 100)
}
