// Package events declares the semantic events derived from engine notifications
// and delivered to subscribers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/404-not-find/SipVoice/internal/sipevent"
)

type Kind string

const (
	KindCallComing               Kind = "call_coming"
	KindCallOut                  Kind = "call_out"
	KindCallState                Kind = "call_state"
	KindCallConfirmed            Kind = "call_confirmed"
	KindCallDisconnect           Kind = "call_disconnect"
	KindMissedCall               Kind = "missed_call"
	KindRegistration             Kind = "registration"
	KindStackStatus              Kind = "stack_status"
	KindCodecPriorities          Kind = "codec_priorities"
	KindCodecPrioritiesSetStatus Kind = "codec_priorities_set_status"
	KindVideoSize                Kind = "video_size"
	KindCallStats                Kind = "call_stats"
)

// Event is implemented by every outbound event.
type Event interface {
	Kind() Kind
	// PartitionKey groups events that must be delivered in order.
	PartitionKey() string
	Metadata() Meta
}

// Meta identifies a single emitted event.
type Meta struct {
	ID   uuid.UUID
	Time time.Time
}

func NewMeta(now time.Time) Meta {
	return Meta{ID: uuid.New(), Time: now}
}

func (m Meta) Metadata() Meta { return m }

type CallComingEvent struct {
	Meta
	AccountID   string
	CallID      int
	DisplayName string
	RemoteURI   string
	Number      string
	IsVideo     bool
}

func (CallComingEvent) Kind() Kind             { return KindCallComing }
func (e CallComingEvent) PartitionKey() string { return sipevent.CallKey(e.CallID) }

type CallOutEvent struct {
	Meta
	AccountID         string
	CallID            int
	Number            string
	IsVideo           bool
	IsVideoConference bool
}

func (CallOutEvent) Kind() Kind             { return KindCallOut }
func (e CallOutEvent) PartitionKey() string { return sipevent.CallKey(e.CallID) }

// CallStateEvent carries the call snapshot after every applied call_state notification.
type CallStateEvent struct {
	Meta
	AccountID        string
	CallID           int
	State            sipevent.InviteState
	RawState         int
	Status           sipevent.StatusCode
	ConnectTimestamp int64
	LocalHold        bool
	LocalMute        bool
	LocalVideoMute   bool
}

func (CallStateEvent) Kind() Kind             { return KindCallState }
func (e CallStateEvent) PartitionKey() string { return sipevent.CallKey(e.CallID) }

type CallConfirmedEvent struct {
	Meta
	AccountID string
	CallID    int
}

func (CallConfirmedEvent) Kind() Kind             { return KindCallConfirmed }
func (e CallConfirmedEvent) PartitionKey() string { return sipevent.CallKey(e.CallID) }

// CallDisconnectEvent closes a call. It carries what is known about the call
// at teardown so subscribers do not have to track sessions themselves.
type CallDisconnectEvent struct {
	Meta
	AccountID   string
	CallID      int
	Direction   sipevent.Direction
	Status      sipevent.StatusCode
	Confirmed   bool
	RemoteURI   string
	DisplayName string
	Number      string
	// Duration is the time since the call was confirmed, zero if it never was.
	Duration time.Duration
	// Stats are nil unless the engine reported them before teardown.
	Stats *sipevent.CallStats
}

func (CallDisconnectEvent) Kind() Kind             { return KindCallDisconnect }
func (e CallDisconnectEvent) PartitionKey() string { return sipevent.CallKey(e.CallID) }

type MissedCallEvent struct {
	Meta
	AccountID   string
	CallID      int
	DisplayName string
	RemoteURI   string
	Number      string
}

func (MissedCallEvent) Kind() Kind { return KindMissedCall }

func (e MissedCallEvent) PartitionKey() string {
	if e.CallID != 0 {
		return sipevent.CallKey(e.CallID)
	}
	if e.AccountID != "" {
		return sipevent.AccountKey(e.AccountID)
	}
	return sipevent.GlobalKey
}

type RegistrationEvent struct {
	Meta
	AccountID  string
	State      sipevent.RegistrationState
	Code       sipevent.StatusCode
	Expiration int
}

func (RegistrationEvent) Kind() Kind             { return KindRegistration }
func (e RegistrationEvent) PartitionKey() string { return sipevent.AccountKey(e.AccountID) }

type StackStatusEvent struct {
	Meta
	Started bool
}

func (StackStatusEvent) Kind() Kind           { return KindStackStatus }
func (StackStatusEvent) PartitionKey() string { return sipevent.GlobalKey }

type CodecPrioritiesEvent struct {
	Meta
	Codecs []sipevent.CodecPriority
}

func (CodecPrioritiesEvent) Kind() Kind           { return KindCodecPriorities }
func (CodecPrioritiesEvent) PartitionKey() string { return sipevent.GlobalKey }

type CodecPrioritiesSetStatusEvent struct {
	Meta
	Success bool
}

func (CodecPrioritiesSetStatusEvent) Kind() Kind           { return KindCodecPrioritiesSetStatus }
func (CodecPrioritiesSetStatusEvent) PartitionKey() string { return sipevent.GlobalKey }

type VideoSizeEvent struct {
	Meta
	Width  int
	Height int
}

func (VideoSizeEvent) Kind() Kind           { return KindVideoSize }
func (VideoSizeEvent) PartitionKey() string { return sipevent.GlobalKey }

// CallStatsEvent is emitted once per call after its disconnect event.
type CallStatsEvent struct {
	Meta
	AccountID string
	Stats     sipevent.CallStats
}

func (CallStatsEvent) Kind() Kind { return KindCallStats }

func (e CallStatsEvent) PartitionKey() string {
	if e.Stats.CallID != 0 {
		return sipevent.CallKey(e.Stats.CallID)
	}
	return sipevent.GlobalKey
}

// CallID returns the call an event belongs to, if any.
func CallID(e Event) (int, bool) {
	switch v := e.(type) {
	case CallComingEvent:
		return v.CallID, true
	case CallOutEvent:
		return v.CallID, true
	case CallStateEvent:
		return v.CallID, true
	case CallConfirmedEvent:
		return v.CallID, true
	case CallDisconnectEvent:
		return v.CallID, true
	case MissedCallEvent:
		return v.CallID, v.CallID != 0
	case CallStatsEvent:
		return v.Stats.CallID, v.Stats.CallID != 0
	}
	return 0, false
}
