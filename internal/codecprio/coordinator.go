// Package codecprio keeps the codec priority list and pushes changes to the engine.
package codecprio

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/errorutil"
	"github.com/404-not-find/SipVoice/internal/events"
	"github.com/404-not-find/SipVoice/internal/metrics"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

const (
	ErrInvalidCodecList  errorutil.Error = "invalid codec list"
	ErrNegotiationFailed errorutil.Error = "codec negotiation failed"
)

// MaxPriority is the highest priority the engine accepts. Priority 0 disables a codec.
const MaxPriority = 255

// Negotiator applies a codec priority list in the SIP engine.
type Negotiator interface {
	SetCodecPriorities(ctx context.Context, codecs []sipevent.CodecPriority) error
}

// Publisher receives the set status events.
type Publisher interface {
	Publish(ev events.Event) error
}

type Options struct {
	Engine    Negotiator
	Publisher Publisher
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type Coordinator struct {
	engine  Negotiator
	pub     Publisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	applyMu sync.Mutex
	current atomic.Pointer[[]sipevent.CodecPriority]
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		engine:  opts.Engine,
		pub:     opts.Publisher,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("component", "codecprio")
	if c.now == nil {
		c.now = time.Now
	}
	c.current.Store(&[]sipevent.CodecPriority{})
	return c
}

// Validate checks ids are non-empty and unique and priorities are within [0,255].
func Validate(codecs []sipevent.CodecPriority) error {
	seen := make(map[string]struct{}, len(codecs))
	for i, cp := range codecs {
		id := strings.TrimSpace(cp.CodecID)
		if id == "" {
			return errorutil.NewWrapperError(ErrInvalidCodecList, "entry %d has an empty codec id", i)
		}
		if _, dup := seen[id]; dup {
			return errorutil.NewWrapperError(ErrInvalidCodecList, "duplicate codec %q", id)
		}
		seen[id] = struct{}{}
		if cp.Priority < 0 || cp.Priority > MaxPriority {
			return errorutil.NewWrapperError(ErrInvalidCodecList, "codec %q priority %d out of range", id, cp.Priority)
		}
	}
	return nil
}

// Apply validates codecs, pushes them to the engine and, on success, makes
// them the current list. A set status event is published either way once the
// engine was asked.
func (c *Coordinator) Apply(ctx context.Context, codecs []sipevent.CodecPriority) error {
	if err := Validate(codecs); err != nil {
		return err
	}
	next := clone(codecs)

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	var err error
	if c.engine == nil {
		err = errorutil.NewWrapperError(ErrNegotiationFailed, "no engine")
	} else if engineErr := c.engine.SetCodecPriorities(ctx, clone(next)); engineErr != nil {
		err = errorutil.NewWrapperError(ErrNegotiationFailed, engineErr)
	}

	success := err == nil
	if success {
		c.current.Store(&next)
	}
	c.metrics.CodecNegotiation(success)
	c.publish(events.CodecPrioritiesSetStatusEvent{Meta: events.NewMeta(c.now()), Success: success})

	if err != nil {
		c.log.WithError(err).Warn("Codec priorities not applied")
		return err
	}
	c.log.WithField("codecs", len(next)).Info("Codec priorities applied")
	return nil
}

// Observe adopts a list reported by the engine. Invalid lists are ignored.
func (c *Coordinator) Observe(codecs []sipevent.CodecPriority) bool {
	if err := Validate(codecs); err != nil {
		c.log.WithError(err).Warn("Ignoring codec list reported by the engine")
		return false
	}
	next := clone(codecs)
	c.applyMu.Lock()
	c.current.Store(&next)
	c.applyMu.Unlock()
	return true
}

// Current returns a copy of the current list in its configured order.
func (c *Coordinator) Current() []sipevent.CodecPriority {
	return clone(*c.current.Load())
}

func (c *Coordinator) publish(ev events.Event) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ev); err != nil {
		c.log.WithError(err).Warn("Failed to publish codec status")
	}
}

func clone(codecs []sipevent.CodecPriority) []sipevent.CodecPriority {
	return append([]sipevent.CodecPriority{}, codecs...)
}
