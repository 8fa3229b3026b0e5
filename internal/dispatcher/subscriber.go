package dispatcher

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/events"
)

// Subscriber receives every published event.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev events.Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev events.Event) error

func (f SubscriberFunc) HandleEvent(ctx context.Context, ev events.Event) error { return f(ctx, ev) }

// LogSubscriber writes one log entry per event.
type LogSubscriber struct {
	Logger logrus.FieldLogger
}

func (s LogSubscriber) HandleEvent(_ context.Context, ev events.Event) error {
	log := s.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{"kind": ev.Kind(), "event_id": ev.Metadata().ID})

	switch e := ev.(type) {
	case events.RegistrationEvent:
		entry.WithField("account_id", e.AccountID).Infof("Registration %s (%s, expires %d)", e.State, e.Code, e.Expiration)
	case events.CallComingEvent:
		entry.WithFields(logrus.Fields{"account_id": e.AccountID, "call_id": e.CallID}).
			Infof("Incoming call from %s <%s>", e.DisplayName, e.RemoteURI)
	case events.CallOutEvent:
		entry.WithFields(logrus.Fields{"account_id": e.AccountID, "call_id": e.CallID}).
			Infof("Outgoing call to %s", e.Number)
	case events.CallStateEvent:
		entry.WithField("call_id", e.CallID).
			Debugf("Call state %s status %s hold=%t mute=%t video_mute=%t", e.State, e.Status, e.LocalHold, e.LocalMute, e.LocalVideoMute)
	case events.CallConfirmedEvent:
		entry.WithField("call_id", e.CallID).Info("Call confirmed")
	case events.CallDisconnectEvent:
		entry.WithField("call_id", e.CallID).Infof("Call disconnected (%s)", e.Status)
	case events.MissedCallEvent:
		entry.WithField("account_id", e.AccountID).Infof("Missed call from %s <%s>", e.DisplayName, e.RemoteURI)
	case events.StackStatusEvent:
		entry.Infof("SIP stack started: %t", e.Started)
	case events.CodecPrioritiesEvent:
		entry.Debugf("Codec priorities %v", e.Codecs)
	case events.CodecPrioritiesSetStatusEvent:
		entry.Debugf("Codec priorities set: %t", e.Success)
	case events.VideoSizeEvent:
		entry.Debugf("Video size %dx%d", e.Width, e.Height)
	case events.CallStatsEvent:
		entry.WithField("call_id", e.Stats.CallID).
			Infof("Call stats: %ds codec %s status %s", e.Stats.Duration, e.Stats.AudioCodec, e.Stats.FinalStatus)
	default:
		entry.Debug("Event")
	}
	return nil
}

// Handlers dispatches each event kind to an optional callback. Unset
// callbacks ignore their events.
type Handlers struct {
	OnRegistration             func(ctx context.Context, ev events.RegistrationEvent) error
	OnCallComing               func(ctx context.Context, ev events.CallComingEvent) error
	OnCallOut                  func(ctx context.Context, ev events.CallOutEvent) error
	OnCallState                func(ctx context.Context, ev events.CallStateEvent) error
	OnCallConfirmed            func(ctx context.Context, ev events.CallConfirmedEvent) error
	OnCallDisconnect           func(ctx context.Context, ev events.CallDisconnectEvent) error
	OnMissedCall               func(ctx context.Context, ev events.MissedCallEvent) error
	OnStackStatus              func(ctx context.Context, ev events.StackStatusEvent) error
	OnCodecPriorities          func(ctx context.Context, ev events.CodecPrioritiesEvent) error
	OnCodecPrioritiesSetStatus func(ctx context.Context, ev events.CodecPrioritiesSetStatusEvent) error
	OnVideoSize                func(ctx context.Context, ev events.VideoSizeEvent) error
	OnCallStats                func(ctx context.Context, ev events.CallStatsEvent) error
}

func call[E events.Event](ctx context.Context, fn func(context.Context, E) error, ev E) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, ev)
}

func (h Handlers) HandleEvent(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.RegistrationEvent:
		return call(ctx, h.OnRegistration, e)
	case events.CallComingEvent:
		return call(ctx, h.OnCallComing, e)
	case events.CallOutEvent:
		return call(ctx, h.OnCallOut, e)
	case events.CallStateEvent:
		return call(ctx, h.OnCallState, e)
	case events.CallConfirmedEvent:
		return call(ctx, h.OnCallConfirmed, e)
	case events.CallDisconnectEvent:
		return call(ctx, h.OnCallDisconnect, e)
	case events.MissedCallEvent:
		return call(ctx, h.OnMissedCall, e)
	case events.StackStatusEvent:
		return call(ctx, h.OnStackStatus, e)
	case events.CodecPrioritiesEvent:
		return call(ctx, h.OnCodecPriorities, e)
	case events.CodecPrioritiesSetStatusEvent:
		return call(ctx, h.OnCodecPrioritiesSetStatus, e)
	case events.VideoSizeEvent:
		return call(ctx, h.OnVideoSize, e)
	case events.CallStatsEvent:
		return call(ctx, h.OnCallStats, e)
	}
	return nil
}
