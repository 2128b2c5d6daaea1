package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushhub/auth"
	"github.com/alwitt/pushhub/protocol"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeTransport in-memory Transport
type fakeTransport struct {
	lock        sync.Mutex
	inbound     chan []byte
	written     chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   int
	pings       int
	failWrites  bool
	gate        chan struct{}
	pongHandler func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) WriteFrame(frame []byte, deadline time.Time) error {
	t.lock.Lock()
	fail := t.failWrites
	gate := t.gate
	t.lock.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-t.closed:
			return fmt.Errorf("transport closed")
		case <-time.After(time.Until(deadline)):
			return fmt.Errorf("write deadline exceeded")
		}
	}
	if fail {
		return fmt.Errorf("dummy write failure")
	}
	select {
	case <-t.closed:
		return fmt.Errorf("transport closed")
	default:
	}
	select {
	case t.written <- frame:
		return nil
	default:
		return fmt.Errorf("written buffer full")
	}
}

func (t *fakeTransport) WritePing(_ time.Time) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.pings++
	return nil
}

func (t *fakeTransport) WriteClose(code int, _ string, _ time.Time) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closeCode = code
	return nil
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.closed:
		return nil, fmt.Errorf("transport closed")
	}
}

func (t *fakeTransport) SetPongHandler(handler func()) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.pongHandler = handler
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) getCloseCode() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closeCode
}

// waitForFrame read the next written frame
func waitForFrame(t *testing.T, transport *fakeTransport) protocol.Event {
	select {
	case frame := <-transport.written:
		event, err := protocol.Decode(frame)
		assert.Nil(t, err)
		return event
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for frame")
		return nil
	}
}

// expectNoFrame verify nothing was written
func expectNoFrame(t *testing.T, transport *fakeTransport) {
	select {
	case frame := <-transport.written:
		assert.Failf(t, "unexpected frame", "%s", frame)
	case <-time.After(time.Millisecond * 50):
	}
}

func testParams() Params {
	return Params{
		OutboundBuffer:   16,
		WriteTimeout:     time.Second,
		PingInterval:     time.Second * 10,
		HeartbeatTimeout: time.Second * 30,
		SweepInterval:    time.Second * 10,
	}
}

func defineTestConnection(
	t *testing.T, userID string, orgs []string, buffer int,
) (*Connection, *fakeTransport) {
	transport := newFakeTransport()
	conn, err := NewConnection(auth.Identity{UserID: userID, Orgs: orgs}, transport, buffer)
	assert.Nil(t, err)
	return conn, transport
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetHub(ctxt, "testing", testParams(), nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	conn1a, transport1a := defineTestConnection(t, "user-1", []string{"acme"}, 16)
	conn1b, transport1b := defineTestConnection(t, "user-1", []string{"acme"}, 16)
	conn2, transport2 := defineTestConnection(t, "user-2", []string{"acme", "beta"}, 16)
	conn3, transport3 := defineTestConnection(t, "user-3", nil, 16)

	// Case 0: unauthenticated connection can not be defined
	{
		_, err := NewConnection(auth.Identity{}, newFakeTransport(), 4)
		assert.NotNil(err)
	}

	// Case 1: register several connections, including two for one user
	{
		for _, conn := range []*Connection{conn1a, conn1b, conn2, conn3} {
			assert.Nil(uut.Register(conn))
		}
		// Registering twice is harmless
		assert.Nil(uut.Register(conn1a))
		assert.Equal(4, uut.ConnectionCount())
		assert.Equal(3, uut.UserCount())
		assert.Equal(2, uut.ConnectionsForUser("user-1"))
	}

	// Case 2: broadcast to one user reaches every connection of that user
	{
		count, err := uut.Broadcast(ScopeUser("user-1"), protocol.UserUpdate{Field: protocol.UserFieldProfile})
		assert.Nil(err)
		assert.Equal(2, count)
		assert.Equal(protocol.UserUpdate{Field: protocol.UserFieldProfile}, waitForFrame(t, transport1a))
		assert.Equal(protocol.UserUpdate{Field: protocol.UserFieldProfile}, waitForFrame(t, transport1b))
		expectNoFrame(t, transport2)
		expectNoFrame(t, transport3)
	}

	// Case 3: broadcast to an organization
	{
		event := protocol.OrgUpdate{OrgSlug: "beta", Event: protocol.OrgSettingsChanged}
		count, err := uut.Broadcast(ScopeOrganization("beta"), event)
		assert.Nil(err)
		assert.Equal(1, count)
		assert.Equal(event, waitForFrame(t, transport2))
		expectNoFrame(t, transport1a)

		count, err = uut.Broadcast(ScopeOrganization("acme"), event)
		assert.Nil(err)
		assert.Equal(3, count)
		count, err = uut.Broadcast(ScopeOrganization("unknown"), event)
		assert.Nil(err)
		assert.Equal(0, count)
		for _, transport := range []*fakeTransport{transport1a, transport1b, transport2} {
			assert.Equal(event, waitForFrame(t, transport))
		}
	}

	// Case 4: broadcast to a set of users and to all
	{
		event := protocol.FeatureFlagUpdate{Event: protocol.FlagEnabled, FlagKey: "beta-ui"}
		count, err := uut.Broadcast(ScopeUsers("user-2", "user-3", "user-2", "user-9"), event)
		assert.Nil(err)
		assert.Equal(2, count)
		assert.Equal(event, waitForFrame(t, transport2))
		assert.Equal(event, waitForFrame(t, transport3))

		count, err = uut.Broadcast(ScopeAll(), protocol.Ping{})
		assert.Nil(err)
		assert.Equal(4, count)
		for _, transport := range []*fakeTransport{transport1a, transport1b, transport2, transport3} {
			assert.Equal(protocol.Ping{}, waitForFrame(t, transport))
		}
	}

	// Case 5: invalid scope
	{
		_, err := uut.Broadcast(Scope{Kind: "planet"}, protocol.Ping{})
		assert.NotNil(err)
		_, err = uut.Broadcast(ScopeUser(""), protocol.Ping{})
		assert.NotNil(err)
		_, err = uut.Broadcast(ScopeOrganization(""), protocol.Ping{})
		assert.NotNil(err)
	}

	// Case 6: unregister is idempotent and stops delivery
	{
		uut.Unregister(conn1a.ID)
		uut.Unregister(conn1a.ID)
		uut.Unregister("never-registered")
		assert.Equal(3, uut.ConnectionCount())
		assert.Equal(1, uut.ConnectionsForUser("user-1"))
		count, err := uut.Broadcast(ScopeUser("user-1"), protocol.Ping{})
		assert.Nil(err)
		assert.Equal(1, count)
		assert.Equal(protocol.Ping{}, waitForFrame(t, transport1b))
		expectNoFrame(t, transport1a)
		assert.Eventually(func() bool { return transport1a.isClosed() }, time.Second, time.Millisecond*10)
		assert.Eventually(func() bool { return conn1a.State() == StateClosed }, time.Second, time.Millisecond*10)
	}

	// Case 7: registering a closed connection is a no-op
	{
		assert.Nil(uut.Register(conn1a))
		assert.Equal(3, uut.ConnectionCount())
	}
}

func TestHubWriteFailureIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetHub(ctxt, "testing", testParams(), nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	healthy, healthyTransport := defineTestConnection(t, "user-1", nil, 16)
	broken, brokenTransport := defineTestConnection(t, "user-2", nil, 16)
	brokenTransport.failWrites = true
	assert.Nil(uut.Register(healthy))
	assert.Nil(uut.Register(broken))

	// Case 0: write failure removes only the failing connection
	{
		count, err := uut.Broadcast(ScopeAll(), protocol.Ping{})
		assert.Nil(err)
		assert.Equal(2, count)
		assert.Equal(protocol.Ping{}, waitForFrame(t, healthyTransport))
		assert.Eventually(func() bool { return uut.ConnectionCount() == 1 }, time.Second, time.Millisecond*10)
		assert.Equal(0, uut.ConnectionsForUser("user-2"))
		assert.Eventually(func() bool { return brokenTransport.isClosed() }, time.Second, time.Millisecond*10)
	}

	// Case 1: a stalled connection is removed once its queue fills
	stalled, stalledTransport := defineTestConnection(t, "user-3", nil, 1)
	stalledTransport.gate = make(chan struct{})
	assert.Nil(uut.Register(stalled))
	{
		for itr := 0; itr < 3; itr++ {
			_, err := uut.Broadcast(ScopeAll(), protocol.Ping{})
			assert.Nil(err)
		}
		assert.Equal(0, uut.ConnectionsForUser("user-3"))
		for itr := 0; itr < 3; itr++ {
			assert.Equal(protocol.Ping{}, waitForFrame(t, healthyTransport))
		}
		assert.Eventually(func() bool { return stalledTransport.isClosed() }, time.Second, time.Millisecond*10)
	}
}

func TestHubPerConnectionOrdering(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	params := testParams()
	params.OutboundBuffer = 128
	uut, err := GetHub(ctxt, "testing", params, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	conn, transport := defineTestConnection(t, "user-1", nil, 128)
	assert.Nil(uut.Register(conn))

	for itr := 0; itr < 100; itr++ {
		_, err := uut.Broadcast(ScopeUser("user-1"), protocol.CacheInvalidate{
			Regions: []string{fmt.Sprintf("region-%d", itr)},
		})
		assert.Nil(err)
	}
	for itr := 0; itr < 100; itr++ {
		event := waitForFrame(t, transport)
		assert.Equal(
			protocol.CacheInvalidate{Regions: []string{fmt.Sprintf("region-%d", itr)}}, event,
		)
	}
}

func TestHubConcurrentMutation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	params := testParams()
	params.OutboundBuffer = 1024
	uut, err := GetHub(ctxt, "testing", params, nil, &wg)
	assert.Nil(err)

	// A connection registered before, and kept for the whole run, sees every broadcast
	anchor, anchorTransport := defineTestConnection(t, "anchor", []string{"acme"}, 1024)
	assert.Nil(uut.Register(anchor))

	workers := sync.WaitGroup{}
	broadcasts := 200
	workers.Add(1)
	go func() {
		defer workers.Done()
		for itr := 0; itr < broadcasts; itr++ {
			_, err := uut.Broadcast(ScopeOrganization("acme"), protocol.Ping{})
			assert.Nil(err)
		}
	}()
	for worker := 0; worker < 4; worker++ {
		workers.Add(1)
		go func(worker int) {
			defer workers.Done()
			for itr := 0; itr < 50; itr++ {
				conn, _ := defineTestConnection(t, fmt.Sprintf("user-%d", worker), []string{"acme"}, 1024)
				assert.Nil(uut.Register(conn))
				uut.Unregister(conn.ID)
			}
		}(worker)
	}
	workers.Wait()

	received := 0
	for received < broadcasts {
		select {
		case <-anchorTransport.written:
			received++
		case <-time.After(time.Second):
			assert.Fail("anchor did not receive every broadcast")
			received = broadcasts
		}
	}
	assert.Equal(1, uut.ConnectionCount())
	assert.Nil(uut.Stop())
}

func TestHubPingPong(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetHub(ctxt, "testing", testParams(), nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	conn, transport := defineTestConnection(t, "user-1", nil, 16)
	assert.Nil(uut.Register(conn))

	// Case 0: application ping is answered with pong
	{
		before := conn.LastHeartbeat()
		time.Sleep(time.Millisecond * 5)
		transport.inbound <- []byte(`{"type":"ping"}`)
		assert.Equal(protocol.Pong{}, waitForFrame(t, transport))
		assert.True(conn.LastHeartbeat().After(before))
	}

	// Case 1: malformed and unknown frames are ignored
	{
		transport.inbound <- []byte(`{{{`)
		transport.inbound <- []byte(`{"type":"something_future_v2"}`)
		transport.inbound <- []byte(`{"type":"ping"}`)
		assert.Equal(protocol.Pong{}, waitForFrame(t, transport))
		assert.Equal(1, uut.ConnectionCount())
	}

	// Case 2: client closing the transport removes the connection
	{
		assert.Nil(transport.Close())
		assert.Eventually(func() bool { return uut.ConnectionCount() == 0 }, time.Second, time.Millisecond*10)
	}
}

func TestHeartbeatEviction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	params := testParams()
	params.PingInterval = time.Millisecond * 20
	params.HeartbeatTimeout = time.Millisecond * 120
	params.SweepInterval = time.Millisecond * 20
	uut, err := GetHub(ctxt, "testing", params, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	silent, silentTransport := defineTestConnection(t, "user-1", nil, 16)
	alive, aliveTransport := defineTestConnection(t, "user-2", nil, 16)
	assert.Nil(uut.Register(silent))
	assert.Nil(uut.Register(alive))

	// The live peer answers every probe
	stopAnswering := make(chan struct{})
	answered := sync.WaitGroup{}
	answered.Add(1)
	go func() {
		defer answered.Done()
		ticker := time.NewTicker(time.Millisecond * 20)
		defer ticker.Stop()
		for {
			select {
			case <-stopAnswering:
				return
			case <-ticker.C:
				aliveTransport.lock.Lock()
				handler := aliveTransport.pongHandler
				aliveTransport.lock.Unlock()
				if handler != nil {
					handler()
				}
			}
		}
	}()

	assert.Eventually(func() bool { return silentTransport.isClosed() }, time.Second*2, time.Millisecond*10)
	assert.Equal(0, uut.ConnectionsForUser("user-1"))
	assert.Equal(1, uut.ConnectionsForUser("user-2"))
	assert.False(aliveTransport.isClosed())

	aliveTransport.lock.Lock()
	assert.Greater(aliveTransport.pings, 0)
	aliveTransport.lock.Unlock()

	close(stopAnswering)
	answered.Wait()
}

func TestHubStop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetHub(ctxt, "testing", testParams(), nil, &wg)
	assert.Nil(err)

	conn, transport := defineTestConnection(t, "user-1", nil, 16)
	assert.Nil(uut.Register(conn))

	// Case 0: queued frames are flushed before the going-away close
	{
		_, err := uut.Broadcast(ScopeAll(), protocol.Ping{})
		assert.Nil(err)
		assert.Nil(uut.Stop())
		assert.Nil(uut.Stop())
		assert.Equal(protocol.Ping{}, waitForFrame(t, transport))
		assert.Eventually(func() bool { return transport.isClosed() }, time.Second, time.Millisecond*10)
		assert.Equal(1001, transport.getCloseCode())
	}

	// Case 1: stopped hub refuses new work
	{
		other, _ := defineTestConnection(t, "user-2", nil, 16)
		assert.True(errors.Is(uut.Register(other), ErrHubStopped))
		_, err := uut.Broadcast(ScopeAll(), protocol.Ping{})
		assert.True(errors.Is(err, ErrHubStopped))
		assert.Equal(0, uut.ConnectionCount())
	}
}

func TestHubConnectionCap(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	params := testParams()
	params.MaxConnectionsPerUser = 2
	uut, err := GetHub(ctxt, "testing", params, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	for itr := 0; itr < 2; itr++ {
		conn, _ := defineTestConnection(t, "user-1", nil, 16)
		assert.Nil(uut.Register(conn))
	}
	conn, _ := defineTestConnection(t, "user-1", nil, 16)
	assert.True(errors.Is(uut.Register(conn), ErrTooManyConnections))
	other, _ := defineTestConnection(t, "user-2", nil, 16)
	assert.Nil(uut.Register(other))
	assert.Equal(3, uut.ConnectionCount())
}

func TestScopeValidate(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ScopeUser("u").Validate())
	assert.Nil(ScopeUsers("a", "b").Validate())
	assert.Nil(ScopeOrganization("acme").Validate())
	assert.Nil(ScopeAll().Validate())
	assert.NotNil(ScopeUsers().Validate())
	assert.NotNil(ScopeUsers("a", "").Validate())
	assert.NotNil(Scope{Kind: ScopeKindUser, UserIDs: []string{"a", "b"}}.Validate())
	assert.Equal("organization:acme", ScopeOrganization("acme").String())
}

func TestGetHubParamValidation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt := context.Background()

	params := testParams()
	params.HeartbeatTimeout = params.PingInterval
	_, err := GetHub(ctxt, "testing", params, nil, &wg)
	assert.NotNil(err)

	params = testParams()
	params.OutboundBuffer = 0
	_, err = GetHub(ctxt, "testing", params, nil, &wg)
	assert.NotNil(err)
}
