package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushhub/invalidation"
	"github.com/alwitt/pushhub/notification"
	"github.com/alwitt/pushhub/signals"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// regionRecorder Invalidator which records regions
type regionRecorder struct {
	lock    sync.Mutex
	regions []invalidation.Region
	failOn  invalidation.Region
}

func (r *regionRecorder) Invalidate(_ context.Context, region invalidation.Region) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if region == r.failOn {
		return fmt.Errorf("dummy invalidation failure")
	}
	r.regions = append(r.regions, region)
	return nil
}

func (r *regionRecorder) take() []invalidation.Region {
	r.lock.Lock()
	defer r.lock.Unlock()
	regions := r.regions
	r.regions = nil
	return regions
}

// topicRecorder record signals by topic
type topicRecorder struct {
	lock     sync.Mutex
	received []signals.Topic
}

func (r *topicRecorder) record(_ context.Context, s signals.Signal) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.received = append(r.received, s.Topic)
	return nil
}

func (r *topicRecorder) take() []signals.Topic {
	r.lock.Lock()
	defer r.lock.Unlock()
	received := r.received
	r.received = nil
	return received
}

type testRouter struct {
	uut      Router
	surfacer notification.Surfacer
	regions  *regionRecorder
	topics   *topicRecorder
}

func defineTestRouter(t *testing.T) testRouter {
	surfacer, err := notification.GetSurfacer("testing", 10)
	assert.Nil(t, err)
	regions := &regionRecorder{}
	topics := &topicRecorder{}
	bus := signals.GetMemoryBus("testing")
	for _, topic := range []signals.Topic{
		signals.TopicUserUpdated,
		signals.TopicUsageLimitExceeded,
		signals.TopicSubscriptionUpdated,
		signals.TopicOrganizationUpdated,
		signals.TopicOrganizationDeleted,
		signals.TopicMembersChanged,
		signals.TopicFeatureFlagsChanged,
		signals.TopicNotificationReceived,
	} {
		_, err := bus.Subscribe(topic, topics.record)
		assert.Nil(t, err)
	}
	uut, err := GetRouter("testing", surfacer, regions, bus)
	assert.Nil(t, err)
	return testRouter{uut: uut, surfacer: surfacer, regions: regions, topics: topics}
}

func TestRouterNotifications(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tr := defineTestRouter(t)
	ctxt := context.Background()

	// Case 0: direct notification
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"notification","payload":{"id":"n-1","title":"Hello","message":"hi","severity":"success","timestamp":"2024-01-02T03:04:05Z"}}`,
		))
		records := tr.surfacer.Notifications()
		assert.Len(records, 1)
		assert.Equal("n-1", records[0].ID)
		assert.Equal("Hello", records[0].Title)
		assert.Equal(notification.SeveritySuccess, records[0].Severity)
		assert.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), records[0].CreatedAt.UTC())
		assert.False(records[0].Read)
		assert.Equal([]signals.Topic{signals.TopicNotificationReceived}, tr.topics.take())
		assert.Empty(tr.regions.take())
	}

	// Case 1: broadcast without severity defaults to info
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"broadcast","payload":{"id":"b-1","title":"Maintenance"}}`,
		))
		records := tr.surfacer.Notifications()
		assert.Len(records, 2)
		assert.Equal("b-1", records[0].ID)
		assert.Equal(notification.SeverityInfo, records[0].Severity)
		assert.Equal(2, tr.surfacer.UnreadCount())
		assert.Equal([]signals.Topic{signals.TopicNotificationReceived}, tr.topics.take())
	}

	// Case 2: liveness frames have no effect
	{
		tr.uut.HandleFrame(ctxt, []byte(`{"type":"pong"}`))
		tr.uut.HandleFrame(ctxt, []byte(`{"type":"ping"}`))
		assert.Len(tr.surfacer.Notifications(), 2)
		assert.Empty(tr.topics.take())
	}
}

func TestRouterBilling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tr := defineTestRouter(t)
	ctxt := context.Background()

	// Case 0: payment failure
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"subscription_update","payload":{"event":"payment_failed","status":"past_due","message":"","timestamp":"2024-01-02T03:04:05Z"}}`,
		))
		records := tr.surfacer.Notifications()
		assert.Len(records, 1)
		assert.Equal("Payment Failed", records[0].Title)
		assert.Equal(notification.SeverityError, records[0].Severity)
		assert.Equal("past_due", records[0].Data["status"])
		assert.ElementsMatch([]invalidation.Region{
			invalidation.RegionSubscription,
			invalidation.RegionBillingSummary,
			invalidation.RegionCurrentUser,
			invalidation.RegionUsageSummary,
		}, tr.regions.take())
		assert.Equal(
			[]signals.Topic{signals.TopicNotificationReceived, signals.TopicSubscriptionUpdated},
			tr.topics.take(),
		)
	}

	// Case 1: usage warning
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"usage_alert","payload":{"alertType":"warning","usageType":"api_calls","currentUsage":80,"limit":100,"percentageUsed":80,"message":"","canUpgrade":true}}`,
		))
		records := tr.surfacer.Notifications()
		assert.Len(records, 2)
		assert.Equal("Usage Warning", records[0].Title)
		assert.Equal(notification.SeverityWarning, records[0].Severity)
		assert.Equal("api_calls usage at 80% of the plan limit", records[0].Message)
		assert.Equal([]invalidation.Region{invalidation.RegionUsageSummary}, tr.regions.take())
		assert.Equal([]signals.Topic{signals.TopicNotificationReceived}, tr.topics.take())
	}

	// Case 2: usage exceeded
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"usage_alert","payload":{"alertType":"exceeded","usageType":"api_calls","currentUsage":120,"limit":100,"percentageUsed":120,"message":"Limit reached","canUpgrade":true,"suggestedPlan":"pro"}}`,
		))
		records := tr.surfacer.Notifications()
		assert.Equal("Usage Limit Exceeded", records[0].Title)
		assert.Equal(notification.SeverityError, records[0].Severity)
		assert.Equal("Limit reached", records[0].Message)
		assert.Equal("pro", records[0].Data["suggestedPlan"])
		assert.Equal([]signals.Topic{
			signals.TopicNotificationReceived, signals.TopicUsageLimitExceeded,
		}, tr.topics.take())
		_ = tr.regions.take()
	}
}

func TestRouterOrganizationAndUser(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tr := defineTestRouter(t)
	ctxt := context.Background()

	// Case 0: user preferences only invalidate preferences
	{
		tr.uut.HandleFrame(ctxt, []byte(`{"type":"user_update","payload":{"field":"preferences"}}`))
		assert.Equal([]invalidation.Region{invalidation.RegionPreferences}, tr.regions.take())
		assert.Equal([]signals.Topic{signals.TopicUserUpdated}, tr.topics.take())
	}

	// Case 1: organization deleted
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"org_update","payload":{"orgSlug":"acme","event":"deleted"}}`,
		))
		assert.Equal(
			[]invalidation.Region{invalidation.RegionOrganizations, invalidation.OrgRegion("acme")},
			tr.regions.take(),
		)
		assert.Equal([]signals.Topic{signals.TopicOrganizationDeleted}, tr.topics.take())
	}

	// Case 2: organization billing change
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"org_update","payload":{"orgSlug":"acme","event":"billing_changed"}}`,
		))
		assert.Len(tr.regions.take(), 3)
		assert.Equal([]signals.Topic{signals.TopicOrganizationUpdated}, tr.topics.take())
	}

	// Case 3: membership change
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"member_update","payload":{"orgSlug":"acme","event":"invitation_sent"}}`,
		))
		assert.Equal(
			[]invalidation.Region{invalidation.OrgInvitationsRegion("acme")}, tr.regions.take(),
		)
		assert.Equal([]signals.Topic{signals.TopicMembersChanged}, tr.topics.take())
	}

	// Case 4: feature flags
	{
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"feature_flag_update","payload":{"event":"enabled","flagKey":"beta"}}`,
		))
		assert.Equal([]invalidation.Region{invalidation.RegionFeatureFlags}, tr.regions.take())
		assert.Equal([]signals.Topic{signals.TopicFeatureFlagsChanged}, tr.topics.take())
	}

	// Case 5: explicit invalidation, a failed region does not stop the rest
	{
		tr.regions.failOn = "custom:a"
		tr.uut.HandleFrame(ctxt, []byte(
			`{"type":"cache_invalidate","payload":{"regions":["custom:a","custom:b"]}}`,
		))
		assert.Equal([]invalidation.Region{"custom:b"}, tr.regions.take())
		assert.Empty(tr.topics.take())
	}
}

func TestRouterRejectsBadFrames(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tr := defineTestRouter(t)
	ctxt := context.Background()

	for _, frame := range []string{
		`not json`,
		`{"payload":{}}`,
		`{"type":"mystery","payload":{}}`,
		`{"type":"notification","payload":{"title":"missing id"}}`,
		`{"type":"user_update","payload":{"field":"unknown"}}`,
	} {
		tr.uut.HandleFrame(ctxt, []byte(frame))
	}
	assert.Empty(tr.surfacer.Notifications())
	assert.Empty(tr.regions.take())
	assert.Empty(tr.topics.take())
}

func TestRouterContainsPanics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	surfacer, err := notification.GetSurfacer("testing", 10)
	assert.Nil(err)
	invalidator := invalidation.InvalidatorFunc(
		func(context.Context, invalidation.Region) error {
			panic("dummy panic")
		},
	)
	uut, err := GetRouter("testing", surfacer, invalidator, signals.GetMemoryBus("testing"))
	assert.Nil(err)

	assert.NotPanics(func() {
		uut.HandleFrame(context.Background(), []byte(`{"type":"user_update","payload":{"field":"profile"}}`))
	})
}

func TestRouterWithController(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	tr := defineTestRouter(t)
	dialer := newFakeDialer()
	uut, err := GetController(
		ctxt, "testing", testControllerParams(time.Millisecond*10), dialer, nil, tr.uut, nil, &wg,
	)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	assert.Nil(uut.SetAuthenticated(ctxt, true))
	transport := waitForTransport(t, dialer)
	assert.Eventually(uut.IsConnected, time.Second, time.Millisecond*5)

	// Bad frames do not close the connection, and later frames still arrive
	transport.inbound <- []byte(`{"type":"mystery"}`)
	transport.inbound <- []byte(`garbage`)
	transport.inbound <- []byte(`{"type":"user_update","payload":{"field":"preferences"}}`)

	assert.Eventually(func() bool {
		tr.regions.lock.Lock()
		defer tr.regions.lock.Unlock()
		return len(tr.regions.regions) == 1
	}, time.Second, time.Millisecond*5)
	assert.Equal([]invalidation.Region{invalidation.RegionPreferences}, tr.regions.take())
	assert.True(uut.IsConnected())
	assert.Equal(1, dialer.getAttempts())
}
