// Package dispatcher fans semantic events out to subscribers.
//
// Events are hashed by partition key onto lanes. Each lane is a bounded queue
// drained by a single worker, so events sharing a key reach every subscriber in
// publish order. Each handler call is bounded by HandlerTimeout. A failing
// subscriber, including one that outlives the timeout, is logged and counted
// while the lane moves on to the next one.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/errorutil"
	"github.com/404-not-find/SipVoice/internal/events"
	"github.com/404-not-find/SipVoice/internal/metrics"
)

const (
	// ErrSubscriberFailure wraps errors, panics and timeouts of a subscriber.
	ErrSubscriberFailure errorutil.Error = "subscriber failure"
	// ErrQueueFull is returned by Publish when a lane stayed full for PublishTimeout.
	ErrQueueFull errorutil.Error = "dispatcher queue full"
	// ErrDispatcherClosed is returned by Publish after Close.
	ErrDispatcherClosed errorutil.Error = "dispatcher closed"
)

// OverflowPolicy decides what happens when a lane is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued event of the lane. Publish never blocks.
	DropOldest OverflowPolicy = iota
	// BlockWithTimeout makes Publish wait up to PublishTimeout, then drop the new event.
	BlockWithTimeout
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case BlockWithTimeout:
		return "block_with_timeout"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy accepts the names returned by String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "block_with_timeout":
		return BlockWithTimeout, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

const (
	DefaultLanes          = 8
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 100 * time.Millisecond
	DefaultHandlerTimeout = 5 * time.Second
)

type Options struct {
	Lanes          int
	QueueSize      int
	Overflow       OverflowPolicy
	PublishTimeout time.Duration
	HandlerTimeout time.Duration
	Logger         logrus.FieldLogger
	Metrics        *metrics.Metrics
}

type lane struct {
	mu sync.Mutex // serializes producers of this lane
	q  chan events.Event
}

type subscription struct {
	id  uint64
	sub Subscriber
}

type Dispatcher struct {
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	lanes   []*lane

	subMu  sync.Mutex
	subs   atomic.Pointer[[]subscription]
	nextID uint64

	closeMu sync.RWMutex
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a dispatcher. Workers start with Start.
func New(opts Options) *Dispatcher {
	if opts.Lanes <= 0 {
		opts.Lanes = DefaultLanes
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:    opts,
		log:     log.WithField("component", "dispatcher"),
		metrics: opts.Metrics,
		lanes:   make([]*lane, opts.Lanes),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = &lane{q: make(chan events.Event, opts.QueueSize)}
	}
	d.subs.Store(&[]subscription{})
	return d
}

// Start launches one worker per lane. It is safe to call more than once.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for _, l := range d.lanes {
			d.wg.Add(1)
			go d.worker(l)
		}
	})
}

// Close stops accepting events, lets the workers drain their queues and
// waits for them to exit.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.q)
	}
	d.closeMu.Unlock()

	// workers that were never started would leave the queues undrained
	d.Start()
	d.wg.Wait()
	d.cancel()
}

// Subscribe registers s and returns a function that removes it again.
func (d *Dispatcher) Subscribe(s Subscriber) (unsubscribe func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.nextID++
	id := d.nextID
	cur := *d.subs.Load()
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscription{id: id, sub: s})
	d.subs.Store(&next)

	var once sync.Once
	return func() { once.Do(func() { d.unsubscribe(id) }) }
}

func (d *Dispatcher) unsubscribe(id uint64) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	cur := *d.subs.Load()
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	d.subs.Store(&next)
}

func (d *Dispatcher) laneFor(key string) *lane {
	return d.lanes[xxhash.Sum64String(key)%uint64(len(d.lanes))]
}

// Publish enqueues ev on the lane of its partition key.
func (d *Dispatcher) Publish(ev events.Event) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.metrics.EventDropped(metrics.DropClosed)
		return ErrDispatcherClosed
	}

	l := d.laneFor(ev.PartitionKey())
	l.mu.Lock()
	defer l.mu.Unlock()

	switch d.opts.Overflow {
	case BlockWithTimeout:
		select {
		case l.q <- ev:
		default:
			timer := time.NewTimer(d.opts.PublishTimeout)
			defer timer.Stop()
			select {
			case l.q <- ev:
			case <-timer.C:
				d.metrics.EventDropped(metrics.DropQueueFull)
				d.log.WithField("kind", ev.Kind()).Warn("Lane full, event dropped")
				return errorutil.NewWrapperError(ErrQueueFull, "%s event for %s", ev.Kind(), ev.PartitionKey())
			}
		}
	default:
		for {
			select {
			case l.q <- ev:
				d.metrics.EventPublished(string(ev.Kind()))
				return nil
			default:
			}
			select {
			case old := <-l.q:
				d.metrics.EventDropped(metrics.DropOldest)
				d.log.WithField("kind", old.Kind()).Warn("Lane full, oldest event dropped")
			default:
			}
		}
	}
	d.metrics.EventPublished(string(ev.Kind()))
	return nil
}

func (d *Dispatcher) worker(l *lane) {
	defer d.wg.Done()
	for ev := range l.q {
		for _, s := range *d.subs.Load() {
			d.deliver(s.sub, ev)
		}
	}
}

// deliver runs one handler call bounded by HandlerTimeout. A handler that
// ignores its context is abandoned at the deadline and keeps running on its own
// goroutine. Its result is discarded.
func (d *Dispatcher) deliver(s Subscriber, ev events.Event) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.HandlerTimeout)
	defer cancel()

	type result struct {
		err    error
		reason string
	}
	done := make(chan result, 1)
	go func() {
		res := result{reason: "error"}
		defer func() {
			if r := recover(); r != nil {
				res = result{reason: "panic", err: fmt.Errorf("panic: %v", r)}
			}
			done <- res
		}()
		res.err = s.HandleEvent(ctx, ev)
	}()

	var res result
	select {
	case res = <-done:
		if res.err == nil && ctx.Err() == context.DeadlineExceeded {
			res = result{reason: "timeout", err: ctx.Err()}
		}
	case <-ctx.Done():
		res = result{reason: "timeout", err: ctx.Err()}
	}
	if res.err == nil {
		return
	}

	err := errorutil.NewWrapperError(ErrSubscriberFailure, res.err)
	d.metrics.SubscriberFailed(res.reason)
	d.log.WithFields(logrus.Fields{
		"kind":       ev.Kind(),
		"event_id":   ev.Metadata().ID,
		"subscriber": fmt.Sprintf("%T", s),
		"reason":     res.reason,
	}).WithError(err).Warn("Subscriber failed")
}
