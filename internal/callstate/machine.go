// Package callstate turns engine notifications into registry updates and
// semantic events.
//
// Transitions follow a forward-only table: ringing and initiating may move to
// early, connecting or confirmed; any live state may disconnect. Notifications
// that would move a call backwards still refresh its snapshot but leave the
// state unchanged. Callers must serialize Apply per call id.
package callstate

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/errorutil"
	"github.com/404-not-find/SipVoice/internal/events"
	"github.com/404-not-find/SipVoice/internal/metrics"
	"github.com/404-not-find/SipVoice/internal/registry"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

// ErrTransitionOnUnknownSession is returned for a call state notification
// that refers to a call id without a live session. It is not fatal.
const ErrTransitionOnUnknownSession errorutil.Error = "transition on unknown session"

const (
	eventProgress   = "progress"
	eventConnect    = "connect"
	eventConfirm    = "confirm"
	eventDisconnect = "disconnect"
)

func transitions() fsm.Events {
	ringing := string(registry.StateRinging)
	initiating := string(registry.StateInitiating)
	early := string(registry.StateEarly)
	connecting := string(registry.StateConnecting)
	confirmed := string(registry.StateConfirmed)

	return fsm.Events{
		{Name: eventProgress, Src: []string{ringing, initiating}, Dst: early},
		{Name: eventConnect, Src: []string{ringing, initiating, early}, Dst: connecting},
		{Name: eventConfirm, Src: []string{ringing, initiating, early, connecting}, Dst: confirmed},
		{Name: eventDisconnect, Src: []string{ringing, initiating, early, connecting, confirmed}, Dst: string(registry.StateDisconnected)},
	}
}

// fsmEvent maps an engine invite state onto a transition. States without a
// transition only refresh the snapshot.
func fsmEvent(s sipevent.InviteState) (string, bool) {
	switch s {
	case sipevent.InviteStateEarly:
		return eventProgress, true
	case sipevent.InviteStateConnecting:
		return eventConnect, true
	case sipevent.InviteStateConfirmed:
		return eventConfirm, true
	case sipevent.InviteStateDisconnected:
		return eventDisconnect, true
	default:
		return "", false
	}
}

type Options struct {
	Registry *registry.Registry
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
	// TrustEngineMissedCalls forwards the engine's missed_call notifications
	// and stops deriving missed calls from teardown.
	TrustEngineMissedCalls bool
	Clock                  func() time.Time
}

// Machine applies notifications to the registry.
type Machine struct {
	reg         *registry.Registry
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	trustMissed bool
	now         func() time.Time
	table       fsm.Events
}

func New(opts Options) *Machine {
	m := &Machine{
		reg:         opts.Registry,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		trustMissed: opts.TrustEngineMissedCalls,
		now:         opts.Clock,
		table:       transitions(),
	}
	if m.reg == nil {
		m.reg = registry.New()
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	m.log = m.log.WithField("component", "callstate")
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Registry returns the registry the machine writes to.
func (m *Machine) Registry() *registry.Registry { return m.reg }

func (m *Machine) meta() events.Meta { return events.NewMeta(m.now()) }

// Apply updates the registry for n and returns the derived events in emission order.
func (m *Machine) Apply(ctx context.Context, n sipevent.Notification) ([]events.Event, error) {
	switch v := n.(type) {
	case sipevent.IncomingCall:
		return m.incomingCall(v), nil
	case sipevent.OutgoingCall:
		return m.outgoingCall(v), nil
	case sipevent.CallState:
		return m.callState(ctx, v)
	case sipevent.CallStats:
		return m.callStats(v), nil
	case sipevent.MissedCall:
		return m.missedCall(v), nil
	case sipevent.Registration:
		return m.registration(v), nil
	case sipevent.StackStatus:
		return []events.Event{events.StackStatusEvent{Meta: m.meta(), Started: v.Started}}, nil
	case sipevent.CodecPriorities:
		codecs := append([]sipevent.CodecPriority(nil), v.Codecs...)
		return []events.Event{events.CodecPrioritiesEvent{Meta: m.meta(), Codecs: codecs}}, nil
	case sipevent.CodecPrioritiesSetStatus:
		return []events.Event{events.CodecPrioritiesSetStatusEvent{Meta: m.meta(), Success: v.Success}}, nil
	case sipevent.VideoSize:
		return []events.Event{events.VideoSizeEvent{Meta: m.meta(), Width: v.Width, Height: v.Height}}, nil
	default:
		return nil, errorutil.NewWrapperError(sipevent.ErrUnknownEventType, "%T", n)
	}
}

func (m *Machine) incomingCall(v sipevent.IncomingCall) []events.Event {
	if _, ok := m.reg.Get(v.CallID); ok {
		m.log.WithField("call_id", v.CallID).Warn("Duplicate incoming call notification ignored")
		return nil
	}

	number := sipevent.CallerNumber(v.RemoteURI)
	m.reg.Upsert(v.CallID, registry.CallUpdate{
		AccountID:   registry.Ptr(v.AccountID),
		Direction:   registry.Ptr(sipevent.DirectionIncoming),
		State:       registry.Ptr(registry.StateRinging),
		RemoteURI:   registry.Ptr(v.RemoteURI),
		DisplayName: registry.Ptr(v.DisplayName),
		Number:      registry.Ptr(number),
		IsVideo:     registry.Ptr(v.IsVideo),
	})
	m.metrics.SetActiveCalls(m.reg.Len())

	m.log.WithFields(logrus.Fields{
		"call_id":    v.CallID,
		"account_id": v.AccountID,
		"remote_uri": v.RemoteURI,
	}).Debug("Incoming call")

	return []events.Event{events.CallComingEvent{
		Meta:        m.meta(),
		AccountID:   v.AccountID,
		CallID:      v.CallID,
		DisplayName: v.DisplayName,
		RemoteURI:   v.RemoteURI,
		Number:      number,
		IsVideo:     v.IsVideo,
	}}
}

func (m *Machine) outgoingCall(v sipevent.OutgoingCall) []events.Event {
	if _, ok := m.reg.Get(v.CallID); ok {
		m.log.WithField("call_id", v.CallID).Warn("Duplicate outgoing call notification ignored")
		return nil
	}

	m.reg.Upsert(v.CallID, registry.CallUpdate{
		AccountID:         registry.Ptr(v.AccountID),
		Direction:         registry.Ptr(sipevent.DirectionOutgoing),
		State:             registry.Ptr(registry.StateInitiating),
		Number:            registry.Ptr(v.Number),
		IsVideo:           registry.Ptr(v.IsVideo),
		IsVideoConference: registry.Ptr(v.IsVideoConference),
	})
	m.metrics.SetActiveCalls(m.reg.Len())

	return []events.Event{events.CallOutEvent{
		Meta:              m.meta(),
		AccountID:         v.AccountID,
		CallID:            v.CallID,
		Number:            v.Number,
		IsVideo:           v.IsVideo,
		IsVideoConference: v.IsVideoConference,
	}}
}

func (m *Machine) callState(ctx context.Context, v sipevent.CallState) ([]events.Event, error) {
	prev, ok := m.reg.Get(v.CallID)
	if !ok {
		if v.State == sipevent.InviteStateDisconnected {
			return nil, nil
		}
		m.metrics.UnknownSession()
		return nil, errorutil.NewWrapperError(ErrTransitionOnUnknownSession, "call %d in state %s", v.CallID, v.State)
	}

	next := prev.State
	if ev, ok := fsmEvent(v.State); ok {
		next = m.transition(ctx, prev, ev)
	}

	// flags the engine left out keep their last value
	upd := registry.CallUpdate{
		State:          registry.Ptr(next),
		LocalHold:      v.LocalHold,
		LocalMute:      v.LocalMute,
		LocalVideoMute: v.LocalVideoMute,
	}
	if v.ConnectTimestamp >= 0 {
		upd.ConnectTimestamp = registry.Ptr(v.ConnectTimestamp)
	}
	if v.Status != sipevent.StatusNone {
		upd.LastStatus = registry.Ptr(v.Status)
	}
	if v.AccountID != "" && prev.AccountID == "" {
		upd.AccountID = registry.Ptr(v.AccountID)
	}
	confirmed := next == registry.StateConfirmed && prev.State != registry.StateConfirmed
	if confirmed {
		upd.Confirmed = registry.Ptr(true)
		upd.ConfirmedAt = registry.Ptr(m.now())
	}
	s, _ := m.reg.Upsert(v.CallID, upd)

	out := []events.Event{events.CallStateEvent{
		Meta:             m.meta(),
		AccountID:        s.AccountID,
		CallID:           s.CallID,
		State:            v.State,
		RawState:         v.RawState,
		Status:           v.Status,
		ConnectTimestamp: s.ConnectTimestamp,
		LocalHold:        s.LocalHold,
		LocalMute:        s.LocalMute,
		LocalVideoMute:   s.LocalVideoMute,
	}}
	if confirmed {
		out = append(out, events.CallConfirmedEvent{Meta: m.meta(), AccountID: s.AccountID, CallID: s.CallID})
	}
	if next == registry.StateDisconnected {
		out = append(out, m.teardown(s)...)
	}
	return out, nil
}

// transition runs ev through the transition table starting at the session's
// current state. Disallowed events leave the state unchanged.
func (m *Machine) transition(ctx context.Context, s registry.CallSession, ev string) registry.State {
	f := fsm.NewFSM(string(s.State), m.table, fsm.Callbacks{})
	if err := f.Event(ctx, ev); err != nil {
		m.log.WithFields(logrus.Fields{
			"call_id": s.CallID,
			"state":   s.State,
			"event":   ev,
		}).Debugf("Transition not applied: %v", err)
		return s.State
	}
	to := registry.State(f.Current())
	m.metrics.Transition(string(s.State), string(to))
	return to
}

// teardown emits the terminal events of a call and removes its session.
// Order: disconnect, missed call, stats.
func (m *Machine) teardown(s registry.CallSession) []events.Event {
	disc := events.CallDisconnectEvent{
		Meta:        m.meta(),
		AccountID:   s.AccountID,
		CallID:      s.CallID,
		Direction:   s.Direction,
		Status:      s.LastStatus,
		Confirmed:   s.Confirmed,
		RemoteURI:   s.RemoteURI,
		DisplayName: s.DisplayName,
		Number:      s.Number,
		Stats:       s.Stats,
	}
	if s.Confirmed {
		disc.Duration = disc.Time.Sub(s.ConfirmedAt)
	}
	out := []events.Event{disc}
	if !m.trustMissed && s.IsIncoming() && !s.Confirmed {
		out = append(out, events.MissedCallEvent{
			Meta:        m.meta(),
			AccountID:   s.AccountID,
			CallID:      s.CallID,
			DisplayName: s.DisplayName,
			RemoteURI:   s.RemoteURI,
			Number:      s.Number,
		})
	}
	if s.Stats != nil {
		out = append(out, events.CallStatsEvent{Meta: m.meta(), AccountID: s.AccountID, Stats: *s.Stats})
	}

	m.reg.Remove(s.CallID)
	m.metrics.SetActiveCalls(m.reg.Len())
	m.metrics.CallFinished(m.now().Sub(s.CreatedAt))

	m.log.WithFields(logrus.Fields{
		"call_id":    s.CallID,
		"account_id": s.AccountID,
		"status":     s.LastStatus.String(),
		"confirmed":  s.Confirmed,
	}).Debug("Call disconnected")
	return out
}

func (m *Machine) callStats(v sipevent.CallStats) []events.Event {
	if v.CallID != 0 {
		if s, ok := m.reg.Get(v.CallID); ok && !s.State.Terminal() {
			m.reg.Upsert(v.CallID, registry.CallUpdate{Stats: &v})
			return nil
		}
	}
	return []events.Event{events.CallStatsEvent{Meta: m.meta(), Stats: v}}
}

func (m *Machine) missedCall(v sipevent.MissedCall) []events.Event {
	if !m.trustMissed {
		m.log.WithField("call_id", v.CallID).Debug("Engine missed call ignored, missed calls are derived")
		return nil
	}
	return []events.Event{events.MissedCallEvent{
		Meta:        m.meta(),
		AccountID:   v.AccountID,
		CallID:      v.CallID,
		DisplayName: v.DisplayName,
		RemoteURI:   v.RemoteURI,
		Number:      sipevent.CallerNumber(v.RemoteURI),
	}}
}

func (m *Machine) registration(v sipevent.Registration) []events.Event {
	state := v.State()
	m.reg.SetRegistration(v.AccountID, registry.Registration{
		State:      state,
		Code:       v.Code,
		Expiration: v.Expiration,
		UpdatedAt:  m.now(),
	})
	return []events.Event{events.RegistrationEvent{
		Meta:       m.meta(),
		AccountID:  v.AccountID,
		State:      state,
		Code:       v.Code,
		Expiration: v.Expiration,
	}}
}
