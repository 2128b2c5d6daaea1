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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/pushhub/common"
	"github.com/alwitt/pushhub/protocol"
	"github.com/alwitt/pushhub/signals"
	"github.com/apex/log"
)

// ErrNotConnected there is no live transport
var ErrNotConnected = errors.New("not connected")

// ErrNotAuthenticated the user is not signed in
var ErrNotAuthenticated = errors.New("not authenticated")

// Phase lifecycle phase of the client connection
type Phase string

// Client connection lifecycle phases
const (
	PhaseDisconnected       Phase = "disconnected"
	PhaseConnecting         Phase = "connecting"
	PhaseConnected          Phase = "connected"
	PhaseReconnectScheduled Phase = "reconnect-scheduled"
)

// ConnectionState snapshot of the reconnection state machine
type ConnectionState struct {
	Phase      Phase `json:"phase"`
	RetryCount int   `json:"retry_count"`
	LastError  error `json:"-"`
	// NextRetryIn the delay of the pending reconnect, when one is scheduled
	NextRetryIn time.Duration `json:"next_retry_in,omitempty"`
}

// ReconnectDelay delay before reconnect attempt number retryCount.
//
// The delay grows linearly with the retry count up to backoffCap multiples of base.
func ReconnectDelay(base time.Duration, retryCount int, backoffCap int) time.Duration {
	multiplier := retryCount
	if multiplier > backoffCap {
		multiplier = backoffCap
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return base * time.Duration(multiplier)
}

// FrameHandler consumes frames received from the hub, in arrival order
type FrameHandler interface {
	HandleFrame(ctxt context.Context, frame []byte)
}

// ControllerParams reconnection controller parameters
type ControllerParams struct {
	// ServerURL the hub websocket URL
	ServerURL string
	// Token returns the current session token
	Token func() string
	// BaseInterval base reconnect delay
	BaseInterval time.Duration
	// BackoffCap max multiplier applied to the base delay
	BackoffCap int
	// MaxRetries consecutive reconnect attempts before giving up
	MaxRetries int
	// KeepAlive interval between client liveness frames
	KeepAlive time.Duration
}

// ControllerParamsFromConfig convert config into controller parameters
func ControllerParamsFromConfig(config common.ClientConfig) ControllerParams {
	token := config.Token
	return ControllerParams{
		ServerURL:    config.ServerURL,
		Token:        func() string { return token },
		BaseInterval: config.BaseIntervalDuration(),
		BackoffCap:   config.BackoffCap,
		MaxRetries:   config.MaxRetries,
		KeepAlive:    config.KeepAliveDuration(),
	}
}

// Controller the client connection lifecycle
type Controller interface {
	// Connect open the connection. No-op if already connecting or connected.
	// Returns ErrNotAuthenticated if the user is not signed in.
	Connect(ctxt context.Context) error
	// Disconnect close the connection and cancel any pending reconnect. Idempotent.
	Disconnect(ctxt context.Context) error
	// SetAuthenticated report a change of the user's authentication status. Signing in
	// connects; signing out disconnects and resets the connection state.
	SetAuthenticated(ctxt context.Context, authenticated bool) error
	// IsConnected whether a live transport exists
	IsConnected() bool
	// State snapshot of the connection state
	State() ConnectionState
	// SendMessage send a frame to the hub
	SendMessage(msgType protocol.MessageType, payload interface{}) error
	// Stop disconnect and stop the controller
	Stop() error
}

// controllerImpl implements Controller
//
// All lifecycle state is owned by the task processor event loop. Dial, read, session
// check, and timer completions are submitted back into the loop tagged with the
// generation they were started under. Anything tagged with a superseded generation is
// discarded.
type controllerImpl struct {
	common.Component
	params    ControllerParams
	dialer    Dialer
	validator SessionValidator
	handler   FrameHandler
	bus       signals.Bus

	operationContext context.Context
	contextCancel    context.CancelFunc
	wg               *sync.WaitGroup
	tp               common.TaskProcessor
	reconnectTimer   common.IntervalTimer
	keepAliveTimer   common.IntervalTimer

	// Event loop owned
	phase         Phase
	retryCount    int
	lastErr       error
	nextDelay     time.Duration
	authenticated bool
	generation    uint64
	transport     Transport

	// Published for readers outside the event loop
	snapshotLock sync.RWMutex
	snapshot     ConnectionState
	live         Transport
}

// GetController define new Controller and start its event loop
//
// The validator may be nil, in which case every reconnect attempt proceeds without a
// session check. The bus may be nil. Listeners of the connection state signal are
// called from the event loop, and must not call the blocking Controller methods.
func GetController(
	ctxt context.Context,
	instance string,
	params ControllerParams,
	dialer Dialer,
	validator SessionValidator,
	handler FrameHandler,
	bus signals.Bus,
	wg *sync.WaitGroup,
) (Controller, error) {
	if dialer == nil || handler == nil {
		return nil, fmt.Errorf("controller requires a dialer and a frame handler")
	}
	if params.BaseInterval <= 0 || params.BackoffCap < 1 || params.MaxRetries < 1 {
		return nil, fmt.Errorf("invalid reconnect parameters")
	}
	logTags := log.Fields{
		"module": "client", "component": "controller", "instance": instance,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	tp, err := common.GetNewTaskProcessorInstance(optCtxt, instance, 64)
	if err != nil {
		cancel()
		return nil, err
	}
	reconnectTimer, err := common.GetIntervalTimerInstance(optCtxt, instance+"-reconnect", wg)
	if err != nil {
		cancel()
		return nil, err
	}
	keepAliveTimer, err := common.GetIntervalTimerInstance(optCtxt, instance+"-keep-alive", wg)
	if err != nil {
		cancel()
		return nil, err
	}
	c := &controllerImpl{
		Component:        common.Component{LogTags: logTags},
		params:           params,
		dialer:           dialer,
		validator:        validator,
		handler:          handler,
		bus:              bus,
		operationContext: optCtxt,
		contextCancel:    cancel,
		wg:               wg,
		tp:               tp,
		reconnectTimer:   reconnectTimer,
		keepAliveTimer:   keepAliveTimer,
		phase:            PhaseDisconnected,
		snapshot:         ConnectionState{Phase: PhaseDisconnected},
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(ctrlConnect{}):          c.processConnect,
		reflect.TypeOf(ctrlDisconnect{}):       c.processDisconnect,
		reflect.TypeOf(ctrlSetAuthenticated{}): c.processSetAuthenticated,
		reflect.TypeOf(ctrlDialResult{}):       c.processDialResult,
		reflect.TypeOf(ctrlTransportClosed{}):  c.processTransportClosed,
		reflect.TypeOf(ctrlReconnectDue{}):     c.processReconnectDue,
		reflect.TypeOf(ctrlSessionChecked{}):   c.processSessionChecked,
	}); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// =========================================================================
// Event loop requests

type ctrlConnect struct {
	resultCB func(err error)
}

type ctrlDisconnect struct {
	resultCB func(err error)
}

type ctrlSetAuthenticated struct {
	authenticated bool
	resultCB      func(err error)
}

type ctrlDialResult struct {
	generation uint64
	transport  Transport
	err        error
}

type ctrlTransportClosed struct {
	generation uint64
	err        error
}

type ctrlReconnectDue struct {
	generation uint64
}

type ctrlSessionChecked struct {
	generation uint64
	valid      bool
	err        error
}

// request submit a request to the event loop and wait for its result
func (c *controllerImpl) request(
	ctxt context.Context, build func(resultCB func(err error)) interface{},
) error {
	resultChan := make(chan error, 1)
	handler := func(err error) {
		resultChan <- err
	}
	if err := c.tp.Submit(ctxt, build(handler)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to submit request")
		return err
	}
	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// submitAsync submit a completion from a background goroutine. If the event loop is
// gone, the orphaned transport is released.
func (c *controllerImpl) submitAsync(task interface{}, orphan Transport) {
	if err := c.tp.Submit(c.operationContext, task); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Dropping %s", reflect.TypeOf(task))
		if orphan != nil {
			_ = orphan.Close(CloseNormal, "client stopped")
		}
	}
}

// =========================================================================
// Public API

// Connect open the connection
func (c *controllerImpl) Connect(ctxt context.Context) error {
	return c.request(ctxt, func(cb func(error)) interface{} {
		return ctrlConnect{resultCB: cb}
	})
}

// Disconnect close the connection and cancel any pending reconnect
func (c *controllerImpl) Disconnect(ctxt context.Context) error {
	return c.request(ctxt, func(cb func(error)) interface{} {
		return ctrlDisconnect{resultCB: cb}
	})
}

// SetAuthenticated report a change of the user's authentication status
func (c *controllerImpl) SetAuthenticated(ctxt context.Context, authenticated bool) error {
	return c.request(ctxt, func(cb func(error)) interface{} {
		return ctrlSetAuthenticated{authenticated: authenticated, resultCB: cb}
	})
}

// IsConnected whether a live transport exists
func (c *controllerImpl) IsConnected() bool {
	c.snapshotLock.RLock()
	defer c.snapshotLock.RUnlock()
	return c.snapshot.Phase == PhaseConnected
}

// State snapshot of the connection state
func (c *controllerImpl) State() ConnectionState {
	c.snapshotLock.RLock()
	defer c.snapshotLock.RUnlock()
	return c.snapshot
}

// SendMessage send a frame to the hub
func (c *controllerImpl) SendMessage(msgType protocol.MessageType, payload interface{}) error {
	c.snapshotLock.RLock()
	live := c.live
	c.snapshotLock.RUnlock()
	if live == nil {
		return ErrNotConnected
	}
	envelope := protocol.Envelope{Type: msgType}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		envelope.Payload = encoded
	}
	frame, err := json.Marshal(&envelope)
	if err != nil {
		return err
	}
	return live.WriteFrame(frame)
}

// Stop disconnect and stop the controller
func (c *controllerImpl) Stop() error {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := c.Disconnect(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Disconnect during stop failed")
	}
	_ = c.reconnectTimer.Stop()
	_ = c.keepAliveTimer.Stop()
	err := c.tp.StopEventLoop()
	c.contextCancel()
	return err
}

// =========================================================================
// Event loop handlers

func (c *controllerImpl) processConnect(param interface{}) error {
	request, ok := param.(ctrlConnect)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	request.resultCB(c.connect())
	return nil
}

func (c *controllerImpl) processDisconnect(param interface{}) error {
	request, ok := param.(ctrlDisconnect)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for disconnect", reflect.TypeOf(param))
	}
	c.disconnect()
	request.resultCB(nil)
	return nil
}

func (c *controllerImpl) processSetAuthenticated(param interface{}) error {
	request, ok := param.(ctrlSetAuthenticated)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for authentication change", reflect.TypeOf(param),
		)
	}
	if !request.authenticated {
		log.WithFields(c.LogTags).Info("Signed out, resetting connection")
		c.authenticated = false
		c.disconnect()
		c.retryCount = 0
		c.lastErr = nil
		c.publishState()
		request.resultCB(nil)
		return nil
	}
	c.authenticated = true
	request.resultCB(c.connect())
	return nil
}

func (c *controllerImpl) processDialResult(param interface{}) error {
	result, ok := param.(ctrlDialResult)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for dial result", reflect.TypeOf(param))
	}
	if result.generation != c.generation || c.phase != PhaseConnecting {
		log.WithFields(c.LogTags).Debug("Discarding superseded dial")
		if result.transport != nil {
			_ = result.transport.Close(CloseNormal, "superseded")
		}
		return nil
	}
	if result.err != nil {
		log.WithError(result.err).WithFields(c.LogTags).Warn("Connection attempt failed")
		c.handleUnexpectedClose(result.err)
		return nil
	}
	c.transport = result.transport
	c.retryCount = 0
	c.lastErr = nil
	c.startReader(c.generation, result.transport)
	c.startKeepAlive(result.transport)
	c.setPhase(PhaseConnected)
	log.WithFields(c.LogTags).Infof("Connected to %s", c.params.ServerURL)
	return nil
}

func (c *controllerImpl) processTransportClosed(param interface{}) error {
	event, ok := param.(ctrlTransportClosed)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for transport close", reflect.TypeOf(param),
		)
	}
	if event.generation != c.generation || c.phase != PhaseConnected {
		return nil
	}
	_ = c.keepAliveTimer.Stop()
	if c.transport != nil {
		_ = c.transport.Close(CloseNormal, "")
		c.transport = nil
	}
	code := CloseCode(event.err)
	if code == CloseNormal {
		log.WithFields(c.LogTags).Info("Server closed the connection normally")
		c.setPhase(PhaseDisconnected)
		return nil
	}
	log.WithError(event.err).WithFields(c.LogTags).Warnf("Connection lost with code %d", code)
	c.handleUnexpectedClose(event.err)
	return nil
}

func (c *controllerImpl) processReconnectDue(param interface{}) error {
	event, ok := param.(ctrlReconnectDue)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for reconnect", reflect.TypeOf(param))
	}
	if event.generation != c.generation || c.phase != PhaseReconnectScheduled {
		log.WithFields(c.LogTags).Debug("Discarding superseded reconnect timer")
		return nil
	}
	if c.validator == nil {
		c.startDial()
		return nil
	}
	generation := c.generation
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		valid, err := c.validator.ValidateSession(c.operationContext)
		c.submitAsync(ctrlSessionChecked{generation: generation, valid: valid, err: err}, nil)
	}()
	return nil
}

func (c *controllerImpl) processSessionChecked(param interface{}) error {
	result, ok := param.(ctrlSessionChecked)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session check", reflect.TypeOf(param),
		)
	}
	if result.generation != c.generation || c.phase != PhaseReconnectScheduled {
		log.WithFields(c.LogTags).Debug("Discarding superseded session check")
		return nil
	}
	if result.err != nil {
		log.WithError(result.err).WithFields(c.LogTags).Warn(
			"Session check failed, reconnecting anyway",
		)
		c.startDial()
		return nil
	}
	if !result.valid {
		log.WithFields(c.LogTags).Info("Session no longer valid, not reconnecting")
		c.retryCount = c.params.MaxRetries
		c.setPhase(PhaseDisconnected)
		return nil
	}
	c.startDial()
	return nil
}

// =========================================================================
// State transitions. Only called from the event loop.

func (c *controllerImpl) connect() error {
	if !c.authenticated {
		log.WithFields(c.LogTags).Debug("Not connecting while signed out")
		return ErrNotAuthenticated
	}
	if c.phase == PhaseConnecting || c.phase == PhaseConnected {
		return nil
	}
	c.retryCount = 0
	c.startDial()
	return nil
}

func (c *controllerImpl) disconnect() {
	c.generation++
	_ = c.reconnectTimer.Stop()
	_ = c.keepAliveTimer.Stop()
	c.retryCount = c.params.MaxRetries
	if c.transport != nil {
		if err := c.transport.Close(CloseNormal, "client disconnect"); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Transport close failed")
		}
		c.transport = nil
	}
	if c.phase != PhaseDisconnected {
		log.WithFields(c.LogTags).Info("Disconnected")
	}
	c.setPhase(PhaseDisconnected)
}

func (c *controllerImpl) startDial() {
	_ = c.reconnectTimer.Stop()
	c.generation++
	generation := c.generation
	token := ""
	if c.params.Token != nil {
		token = c.params.Token()
	}
	c.setPhase(PhaseConnecting)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		transport, err := c.dialer.Dial(c.operationContext, c.params.ServerURL, token)
		c.submitAsync(
			ctrlDialResult{generation: generation, transport: transport, err: err}, transport,
		)
	}()
}

func (c *controllerImpl) handleUnexpectedClose(err error) {
	c.lastErr = err
	if !c.authenticated {
		c.setPhase(PhaseDisconnected)
		return
	}
	c.retryCount++
	if c.retryCount > c.params.MaxRetries {
		log.WithFields(c.LogTags).Warnf("Giving up after %d reconnect attempts", c.params.MaxRetries)
		c.setPhase(PhaseDisconnected)
		return
	}
	delay := ReconnectDelay(c.params.BaseInterval, c.retryCount, c.params.BackoffCap)
	c.generation++
	generation := c.generation
	// Start replaces any pending timer
	if err := c.reconnectTimer.Start(delay, func() error {
		return c.tp.Submit(c.operationContext, ctrlReconnectDue{generation: generation})
	}, true); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to schedule reconnect")
		c.setPhase(PhaseDisconnected)
		return
	}
	c.nextDelay = delay
	log.WithFields(c.LogTags).Infof("Reconnect attempt %d in %s", c.retryCount, delay)
	c.setPhase(PhaseReconnectScheduled)
}

func (c *controllerImpl) startReader(generation uint64, transport Transport) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			frame, err := transport.ReadFrame()
			if err != nil {
				c.submitAsync(ctrlTransportClosed{generation: generation, err: err}, nil)
				return
			}
			c.handler.HandleFrame(c.operationContext, frame)
		}
	}()
}

func (c *controllerImpl) startKeepAlive(transport Transport) {
	if c.params.KeepAlive <= 0 {
		return
	}
	ping, err := protocol.Encode(protocol.Ping{})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to encode keep alive")
		return
	}
	if err := c.keepAliveTimer.Start(c.params.KeepAlive, func() error {
		return transport.WriteFrame(ping)
	}, false); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to start keep alive")
	}
}

func (c *controllerImpl) setPhase(phase Phase) {
	c.phase = phase
	if phase != PhaseReconnectScheduled {
		c.nextDelay = 0
	}
	c.publishState()
}

// publishState refresh the snapshot, and signal the change
func (c *controllerImpl) publishState() {
	state := ConnectionState{
		Phase:       c.phase,
		RetryCount:  c.retryCount,
		LastError:   c.lastErr,
		NextRetryIn: c.nextDelay,
	}
	c.snapshotLock.Lock()
	previous := c.snapshot
	changed := previous.Phase != state.Phase ||
		previous.RetryCount != state.RetryCount ||
		previous.NextRetryIn != state.NextRetryIn ||
		(previous.LastError == nil) != (state.LastError == nil)
	c.snapshot = state
	if c.phase == PhaseConnected {
		c.live = c.transport
	} else {
		c.live = nil
	}
	c.snapshotLock.Unlock()
	if changed && c.bus != nil {
		if err := c.bus.Publish(
			c.operationContext, signals.TopicConnectionStateChange, state,
		); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Unable to signal state change")
		}
	}
}
