package dispatcher

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/404-not-find/SipVoice/internal/events"
	"github.com/404-not-find/SipVoice/internal/metrics"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type collector struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *collector) HandleEvent(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

// seq returns the RawState of every collected CallStateEvent, used as a sequence number.
func (c *collector) seq() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.evs))
	for _, ev := range c.evs {
		out = append(out, ev.(events.CallStateEvent).RawState)
	}
	return out
}

func stateEvent(callID, seq int) events.CallStateEvent {
	return events.CallStateEvent{Meta: events.NewMeta(time.Now()), CallID: callID, RawState: seq}
}

func TestDispatcher_OrderPerKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(Options{Lanes: 4, QueueSize: 1024, Logger: quietLogger()})
	c := &collector{}
	d.Subscribe(c)
	d.Start()

	want := make([]int, 0, 200)
	for i := 0; i < 200; i++ {
		require.NoError(t, d.Publish(stateEvent(1, i)))
		want = append(want, i)
	}
	d.Close()

	assert.Equal(t, want, c.seq())
}

func TestDispatcher_FanOutAndUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(Options{Logger: quietLogger()})
	a, b := &collector{}, &collector{}
	d.Subscribe(a)
	unsubscribe := d.Subscribe(b)
	unsubscribe()
	unsubscribe()

	d.Start()
	require.NoError(t, d.Publish(stateEvent(1, 0)))
	require.NoError(t, d.Publish(stateEvent(2, 1)))
	d.Close()

	assert.Len(t, a.seq(), 2)
	assert.Empty(t, b.seq())
}

func TestDispatcher_FailingSubscribersDoNotStopDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	d := New(Options{Lanes: 1, Logger: quietLogger(), Metrics: metrics.New(reg)})
	d.Subscribe(SubscriberFunc(func(context.Context, events.Event) error { panic("boom") }))
	d.Subscribe(SubscriberFunc(func(context.Context, events.Event) error { return errors.New("nope") }))
	c := &collector{}
	d.Subscribe(c)

	d.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Publish(stateEvent(1, i)))
	}
	d.Close()

	assert.Equal(t, []int{0, 1, 2}, c.seq())

	families, err := reg.Gather()
	require.NoError(t, err)
	failures := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "sipvoice_dispatcher_subscriber_failures_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			failures[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"panic": 3, "error": 3}, failures)
}

func TestDispatcher_HandlerTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(Options{HandlerTimeout: 10 * time.Millisecond, Logger: quietLogger()})
	var gotDeadline bool
	done := make(chan struct{})
	d.Subscribe(SubscriberFunc(func(ctx context.Context, _ events.Event) error {
		_, gotDeadline = ctx.Deadline()
		<-ctx.Done()
		close(done)
		return nil
	}))

	d.Start()
	require.NoError(t, d.Publish(stateEvent(1, 0)))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
	d.Close()
	assert.True(t, gotDeadline)
}

func TestDispatcher_StuckSubscriberIsAbandoned(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	d := New(Options{Lanes: 1, HandlerTimeout: 20 * time.Millisecond, Logger: quietLogger(), Metrics: metrics.New(reg)})
	release := make(chan struct{})
	d.Subscribe(SubscriberFunc(func(context.Context, events.Event) error {
		<-release
		return nil
	}))
	c := &collector{}
	d.Subscribe(c)

	d.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Publish(stateEvent(1, i)))
	}
	assert.Eventually(t, func() bool { return len(c.seq()) == 3 }, time.Second, 5*time.Millisecond)

	close(release)
	d.Close()
	assert.Equal(t, []int{0, 1, 2}, c.seq())

	expected := `
# HELP sipvoice_dispatcher_subscriber_failures_total Subscriber invocations that returned an error, panicked or timed out.
# TYPE sipvoice_dispatcher_subscriber_failures_total counter
sipvoice_dispatcher_subscriber_failures_total{reason="timeout"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sipvoice_dispatcher_subscriber_failures_total"))
}

func TestDispatcher_DropOldest(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(Options{Lanes: 1, QueueSize: 4, Overflow: DropOldest, Logger: quietLogger()})
	c := &collector{}
	d.Subscribe(c)

	// workers are not started, so the lane fills up
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Publish(stateEvent(1, i)))
	}
	d.Start()
	d.Close()

	assert.Equal(t, []int{6, 7, 8, 9}, c.seq())
}

func TestDispatcher_BlockWithTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(Options{
		Lanes:          1,
		QueueSize:      1,
		Overflow:       BlockWithTimeout,
		PublishTimeout: 20 * time.Millisecond,
		Logger:         quietLogger(),
	})
	c := &collector{}
	d.Subscribe(c)

	require.NoError(t, d.Publish(stateEvent(1, 0)))
	start := time.Now()
	err := d.Publish(stateEvent(1, 1))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	d.Start()
	d.Close()
	assert.Equal(t, []int{0}, c.seq())
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(Options{Logger: quietLogger()})
	d.Start()
	d.Close()
	d.Close()

	assert.ErrorIs(t, d.Publish(stateEvent(1, 0)), ErrDispatcherClosed)
}

func TestHandlers(t *testing.T) {
	var coming, disconnected int
	h := Handlers{
		OnCallComing: func(_ context.Context, ev events.CallComingEvent) error {
			coming = ev.CallID
			return nil
		},
		OnCallDisconnect: func(_ context.Context, ev events.CallDisconnectEvent) error {
			disconnected = ev.CallID
			return errors.New("rejected")
		},
	}

	ctx := context.Background()
	assert.NoError(t, h.HandleEvent(ctx, events.CallComingEvent{CallID: 4}))
	assert.Error(t, h.HandleEvent(ctx, events.CallDisconnectEvent{CallID: 5}))
	assert.NoError(t, h.HandleEvent(ctx, events.VideoSizeEvent{}))
	assert.Equal(t, 4, coming)
	assert.Equal(t, 5, disconnected)
}

func TestLogSubscriber(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	s := LogSubscriber{Logger: l}
	for _, ev := range []events.Event{
		events.RegistrationEvent{AccountID: "a"},
		events.CallComingEvent{CallID: 1},
		events.CallStatsEvent{},
		events.VideoSizeEvent{},
	} {
		assert.NoError(t, s.HandleEvent(context.Background(), ev))
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("block_with_timeout")
	require.NoError(t, err)
	assert.Equal(t, BlockWithTimeout, p)

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParseOverflowPolicy("spill")
	assert.Error(t, err)
}
