package baresip

import (
	"time"

	"github.com/404-not-find/SipVoice/internal/sipevent"
)

// DefaultExpiration is reported for successful registrations; baresip does
// not include the granted expiry in REGISTER_OK.
const DefaultExpiration = 3600

type translator struct {
	calls   *callTable
	account string
	now     func() time.Time
}

func (t *translator) accountOf(ev Event) string {
	if ev.AccountAOR != "" {
		return ev.AccountAOR
	}
	return t.account
}

// translate turns one baresip event into engine notifications. Events that
// have no counterpart, or that refer to calls never announced, yield nothing.
func (t *translator) translate(ev Event) []sipevent.Notification {
	account := t.accountOf(ev)

	switch ev.Type {
	case EventCallIncoming:
		c, created := t.calls.open(ev.ID, account, sipevent.InviteStateIncoming)
		if !created {
			return nil
		}
		return []sipevent.Notification{sipevent.IncomingCall{
			AccountID:   account,
			CallID:      c.id,
			DisplayName: ev.PeerName,
			RemoteURI:   ev.PeerURI,
		}}

	case EventCallOutgoing:
		c, created := t.calls.open(ev.ID, account, sipevent.InviteStateCalling)
		if !created {
			return nil
		}
		return []sipevent.Notification{sipevent.OutgoingCall{
			AccountID: account,
			CallID:    c.id,
			Number:    sipevent.CallerNumber(ev.PeerURI),
		}}

	case EventCallRinging:
		return t.state(ev.ID, sipevent.InviteStateEarly, sipevent.StatusRinging)
	case EventCallProgress:
		return t.state(ev.ID, sipevent.InviteStateEarly, sipevent.StatusSessionProgress)
	case EventCallAnswered:
		return t.state(ev.ID, sipevent.InviteStateConnecting, sipevent.StatusNone)
	case EventCallEstablished:
		return t.state(ev.ID, sipevent.InviteStateConfirmed, sipevent.StatusOK)

	case EventCallClosed:
		out := t.state(ev.ID, sipevent.InviteStateDisconnected, leadingStatus(ev.Param))
		t.calls.release(ev.ID)
		return out

	case EventRegisterOK:
		code := leadingStatus(ev.Param)
		if code == sipevent.StatusNone {
			code = sipevent.StatusOK
		}
		return []sipevent.Notification{sipevent.Registration{AccountID: account, Code: code, Expiration: DefaultExpiration}}
	case EventRegisterFail:
		return []sipevent.Notification{sipevent.Registration{AccountID: account, Code: leadingStatus(ev.Param), Expiration: DefaultExpiration}}
	case EventUnregistering:
		return []sipevent.Notification{sipevent.Registration{AccountID: account, Code: sipevent.StatusTrying}}
	}
	return nil
}

func (t *translator) state(key string, st sipevent.InviteState, status sipevent.StatusCode) []sipevent.Notification {
	c, ok := t.calls.update(key, func(c *call) {
		c.state = st
		if st == sipevent.InviteStateConfirmed && c.connectTS < 0 {
			c.connectTS = t.now().UnixMilli()
		}
	})
	if !ok {
		return nil
	}
	return []sipevent.Notification{c.notification(status)}
}

// notification renders the call's current snapshot.
// baresip does not report hold or mute, so the tracked flags are always sent.
func (c call) notification(status sipevent.StatusCode) sipevent.CallState {
	hold, mute := c.hold, c.mute
	return sipevent.CallState{
		AccountID:        c.accountID,
		CallID:           c.id,
		State:            c.state,
		RawState:         int(c.state),
		Status:           status,
		ConnectTimestamp: c.connectTS,
		LocalHold:        &hold,
		LocalMute:        &mute,
	}
}

// lost ends every known call after the connection to baresip dropped.
func (t *translator) lost() []sipevent.Notification {
	var out []sipevent.Notification
	for _, c := range t.calls.drain() {
		c.state = sipevent.InviteStateDisconnected
		out = append(out, c.notification(sipevent.StatusServiceUnavailable))
	}
	return out
}
