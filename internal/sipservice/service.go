// Package sipservice is the entry point of the event core. It decodes engine
// notifications, applies them per call on ingest partitions, publishes the
// derived events and forwards application commands to the engine.
package sipservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/callstate"
	"github.com/404-not-find/SipVoice/internal/codecprio"
	"github.com/404-not-find/SipVoice/internal/dispatcher"
	"github.com/404-not-find/SipVoice/internal/errorutil"
	"github.com/404-not-find/SipVoice/internal/metrics"
	"github.com/404-not-find/SipVoice/internal/registry"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

const (
	ErrCallNotFound     errorutil.Error = "call not found"
	ErrInvalidCallState errorutil.Error = "invalid call state"
	ErrInvalidArgument  errorutil.Error = "invalid argument"
	ErrNoEngine         errorutil.Error = "no engine configured"
	ErrNotStarted       errorutil.Error = "service not started"
	ErrStopped          errorutil.Error = "service stopped"
)

const (
	DefaultPartitions = 8
	DefaultQueueSize  = 256
)

// Engine is the native SIP engine the service drives.
type Engine interface {
	MakeCall(ctx context.Context, accountID, number string, video bool) error
	AcceptCall(ctx context.Context, callID int) error
	DeclineCall(ctx context.Context, callID int, code sipevent.StatusCode) error
	HangUpCall(ctx context.Context, callID int) error
	SetHold(ctx context.Context, callID int, hold bool) error
	SetMute(ctx context.Context, callID int, mute bool) error
	SetVideoMute(ctx context.Context, callID int, mute bool) error
	SetCodecPriorities(ctx context.Context, codecs []sipevent.CodecPriority) error
}

type Options struct {
	// Engine may be nil for an ingest-only service; commands then fail with ErrNoEngine.
	Engine Engine
	// Codec defaults to a codec built with Video.
	Codec      *sipevent.Codec
	Video      sipevent.VideoDefaults
	Partitions int
	QueueSize  int
	// TrustEngineMissedCalls forwards engine missed_call notifications
	// instead of deriving missed calls.
	TrustEngineMissedCalls bool
	Dispatch               dispatcher.Options
	Logger                 logrus.FieldLogger
	Metrics                *metrics.Metrics
	Clock                  func() time.Time
}

type Service struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	codec   *sipevent.Codec
	engine  Engine

	reg     *registry.Registry
	machine *callstate.Machine
	disp    *dispatcher.Dispatcher
	codecs  *codecprio.Coordinator

	mu      sync.RWMutex
	started bool
	stopped bool
	parts   []chan sipevent.Notification
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultPartitions
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	codec := opts.Codec
	if codec == nil {
		var err error
		if codec, err = sipevent.NewCodec(opts.Video); err != nil {
			return nil, err
		}
	}

	reg := registry.New(registry.WithClock(opts.Clock))
	dopts := opts.Dispatch
	if dopts.Logger == nil {
		dopts.Logger = log
	}
	if dopts.Metrics == nil {
		dopts.Metrics = opts.Metrics
	}
	disp := dispatcher.New(dopts)

	s := &Service{
		log:     log.WithField("component", "sipservice"),
		metrics: opts.Metrics,
		codec:   codec,
		engine:  opts.Engine,
		reg:     reg,
		machine: callstate.New(callstate.Options{
			Registry:               reg,
			Logger:                 log,
			Metrics:                opts.Metrics,
			TrustEngineMissedCalls: opts.TrustEngineMissedCalls,
			Clock:                  opts.Clock,
		}),
		disp:  disp,
		parts: make([]chan sipevent.Notification, opts.Partitions),
	}
	var negotiator codecprio.Negotiator
	if opts.Engine != nil {
		negotiator = opts.Engine
	}
	s.codecs = codecprio.New(codecprio.Options{
		Engine:    negotiator,
		Publisher: disp,
		Logger:    log,
		Metrics:   opts.Metrics,
		Clock:     opts.Clock,
	})
	for i := range s.parts {
		s.parts[i] = make(chan sipevent.Notification, opts.QueueSize)
	}
	return s, nil
}

// Start launches the dispatcher and one worker per ingest partition.
// Calling it again has no effect.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.disp.Start()
	for i, ch := range s.parts {
		s.wg.Add(1)
		go s.partition(i, ch)
	}
	s.log.WithField("partitions", len(s.parts)).Info("Service started")
}

// Stop drains the ingest partitions, then closes the dispatcher after its
// queued events are delivered.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	for _, ch := range s.parts {
		close(ch)
	}
	s.mu.Unlock()

	if started {
		s.wg.Wait()
		s.cancel()
	}
	s.disp.Close()
	s.log.Info("Service stopped")
}

// Subscribe registers a subscriber for every derived event.
func (s *Service) Subscribe(sub dispatcher.Subscriber) (unsubscribe func()) {
	return s.disp.Subscribe(sub)
}

// IngestJSON validates and decodes one wire notification and queues it.
func (s *Service) IngestJSON(ctx context.Context, data []byte) error {
	n, err := s.codec.DecodeJSON(data)
	if err != nil {
		return s.decodeFailed(err)
	}
	return s.IngestNotification(ctx, n)
}

// Ingest decodes an envelope and queues the notification.
func (s *Service) Ingest(ctx context.Context, env *sipevent.Envelope) error {
	if env == nil {
		return s.decodeFailed(errorutil.NewWrapperError(sipevent.ErrMalformedEvent, "nil envelope"))
	}
	n, err := s.codec.Decode(env)
	if err != nil {
		return s.decodeFailed(err)
	}
	return s.IngestNotification(ctx, n)
}

func (s *Service) decodeFailed(err error) error {
	reason := errorutil.Reason(err, sipevent.ErrUnknownEventType, sipevent.ErrMalformedEvent)
	s.metrics.DecodeFailed(reason)
	s.log.WithError(err).WithField("reason", reason).Warn("Notification rejected")
	return err
}

// IngestNotification queues n on the partition of its key. Notifications
// with the same key are applied in ingestion order.
func (s *Service) IngestNotification(ctx context.Context, n sipevent.Notification) error {
	if n == nil {
		return errorutil.NewWrapperError(sipevent.ErrMalformedEvent, "nil notification")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.stopped:
		return ErrStopped
	case !s.started:
		return ErrNotStarted
	}

	s.metrics.NotificationReceived(string(n.Type()))
	ch := s.parts[xxhash.Sum64String(n.Key())%uint64(len(s.parts))]
	select {
	case ch <- n:
		return nil
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

// Pump ingests envelopes until the channel closes, ctx is done or the
// service stops. Rejected envelopes are logged and skipped.
func (s *Service) Pump(ctx context.Context, envs <-chan *sipevent.Envelope) error {
	for {
		select {
		case env, ok := <-envs:
			if !ok {
				return nil
			}
			err := s.Ingest(ctx, env)
			switch {
			case err == nil:
			case errors.Is(err, ErrStopped), errors.Is(err, ErrNotStarted):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) partition(idx int, ch <-chan sipevent.Notification) {
	defer s.wg.Done()
	log := s.log.WithField("partition", idx)
	for n := range ch {
		s.apply(log, n)
	}
}

func (s *Service) apply(log logrus.FieldLogger, n sipevent.Notification) {
	if cp, ok := n.(sipevent.CodecPriorities); ok {
		s.codecs.Observe(cp.Codecs)
	}

	evs, err := s.machine.Apply(s.ctx, n)
	if err != nil {
		entry := log.WithError(err).WithField("type", n.Type())
		if id, ok := sipevent.CallID(n); ok {
			entry = entry.WithField("call_id", id)
		}
		entry.Warn("Notification not applied")
	}
	for _, ev := range evs {
		if err := s.disp.Publish(ev); err != nil {
			log.WithError(err).WithField("kind", ev.Kind()).Debug("Event not published")
		}
	}
}

// Registry exposes the live session registry for read-only queries.
func (s *Service) Registry() *registry.Registry { return s.reg }

func (s *Service) Call(callID int) (registry.CallSession, bool) { return s.reg.Get(callID) }

// Calls returns all live calls ordered by call id.
func (s *Service) Calls() []registry.CallSession { return s.reg.Calls() }

func (s *Service) RegistrationState(accountID string) sipevent.RegistrationState {
	return s.reg.RegistrationState(accountID)
}

func (s *Service) Registration(accountID string) (registry.Registration, bool) {
	return s.reg.Registration(accountID)
}

// CodecPriorities returns the last applied or reported codec list.
func (s *Service) CodecPriorities() []sipevent.CodecPriority { return s.codecs.Current() }
