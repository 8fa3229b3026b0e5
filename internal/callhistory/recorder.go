package callhistory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/events"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

// Appender is the write side of a Store.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Recorder is a dispatcher subscriber that writes one entry per finished call.
//
// Calls are recorded when they disconnect. Stats the engine reported before
// teardown are merged into that entry. Missed calls signaled by the engine
// are recorded on their own only when they name no tracked call.
type Recorder struct {
	store Appender
	log   logrus.FieldLogger
}

func NewRecorder(store Appender, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{store: store, log: log.WithField("component", "callhistory")}
}

func (r *Recorder) HandleEvent(ctx context.Context, ev events.Event) error {
	var e Entry
	switch v := ev.(type) {
	case events.CallDisconnectEvent:
		e = disconnectEntry(v)
	case events.MissedCallEvent:
		if v.CallID != 0 {
			return nil
		}
		e = Entry{
			Outcome:     OutcomeMissed,
			Direction:   sipevent.DirectionIncoming,
			AccountID:   v.AccountID,
			RemoteURI:   v.RemoteURI,
			DisplayName: v.DisplayName,
			Number:      v.Number,
			At:          v.Time,
		}
	default:
		return nil
	}

	if err := r.store.Append(ctx, e); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"account_id": e.AccountID,
		"call_id":    e.CallID,
		"outcome":    e.Outcome,
	}).Debug("Call recorded")
	return nil
}

func disconnectEntry(v events.CallDisconnectEvent) Entry {
	e := Entry{
		Outcome:     outcome(v),
		Direction:   v.Direction,
		AccountID:   v.AccountID,
		CallID:      v.CallID,
		RemoteURI:   v.RemoteURI,
		DisplayName: v.DisplayName,
		Number:      v.Number,
		Duration:    int(v.Duration / time.Second),
		Status:      int(v.Status),
		At:          v.Time,
	}
	if st := v.Stats; st != nil {
		if st.Duration > 0 {
			e.Duration = st.Duration
		}
		if st.FinalStatus != sipevent.StatusNone {
			e.Status = int(st.FinalStatus)
		}
		e.AudioCodec = st.AudioCodec
		e.RXLost = st.RX.Lost
		e.TXLost = st.TX.Lost
	}
	return e
}

func outcome(v events.CallDisconnectEvent) Outcome {
	switch {
	case v.Confirmed:
		return OutcomeAnswered
	case v.Direction == sipevent.DirectionIncoming:
		return OutcomeMissed
	case v.Status.Class() >= 4 && v.Status != sipevent.StatusRequestTerminated:
		return OutcomeFailed
	default:
		// cancelled before an answer
		return OutcomeUnanswered
	}
}
