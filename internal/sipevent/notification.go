package sipevent

import (
	"fmt"
	"strconv"
)

// EventType is the tag of an inbound notification envelope.
type EventType string

const (
	TypeRegistration             EventType = "registration"
	TypeIncomingCall             EventType = "incoming_call"
	TypeCallState                EventType = "call_state"
	TypeOutgoingCall             EventType = "outgoing_call"
	TypeStackStatus              EventType = "stack_status"
	TypeCodecPriorities          EventType = "codec_priorities"
	TypeCodecPrioritiesSetStatus EventType = "codec_priorities_set_status"
	TypeMissedCall               EventType = "missed_call"
	TypeVideoSize                EventType = "video_size"
	TypeCallStats                EventType = "call_stats"
)

// Known reports whether t is one of the tags the codec understands.
func (t EventType) Known() bool {
	switch t {
	case TypeRegistration, TypeIncomingCall, TypeCallState, TypeOutgoingCall,
		TypeStackStatus, TypeCodecPriorities, TypeCodecPrioritiesSetStatus,
		TypeMissedCall, TypeVideoSize, TypeCallStats:
		return true
	}
	return false
}

// GlobalKey is the partition key of notifications that belong to no call or account.
const GlobalKey = "global"

// CallKey returns the partition key of a call.
func CallKey(callID int) string { return "call:" + strconv.Itoa(callID) }

// AccountKey returns the partition key of an account.
func AccountKey(accountID string) string { return "account:" + accountID }

// Direction of a call relative to the local account.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Notification is a decoded engine notification. The concrete type is one of
// the variants declared in this file.
type Notification interface {
	Type() EventType
	// Key selects the ordering partition. Notifications sharing a key are
	// processed in arrival order.
	Key() string
}

// CallID returns the call id a notification refers to, if any.
func CallID(n Notification) (int, bool) {
	switch v := n.(type) {
	case IncomingCall:
		return v.CallID, true
	case OutgoingCall:
		return v.CallID, true
	case CallState:
		return v.CallID, true
	case CallStats:
		return v.CallID, v.CallID != 0
	case MissedCall:
		return v.CallID, v.CallID != 0
	}
	return 0, false
}

type Registration struct {
	AccountID  string
	Code       StatusCode
	Expiration int
}

func (Registration) Type() EventType { return TypeRegistration }
func (r Registration) Key() string    { return AccountKey(r.AccountID) }

// State derives the registration state carried by the notification.
func (r Registration) State() RegistrationState {
	return DeriveRegistrationState(r.Code, r.Expiration)
}

type IncomingCall struct {
	AccountID   string
	CallID      int
	DisplayName string
	RemoteURI   string
	IsVideo     bool
}

func (IncomingCall) Type() EventType { return TypeIncomingCall }
func (c IncomingCall) Key() string    { return CallKey(c.CallID) }

// CallState reports a change of an invite session.
type CallState struct {
	AccountID string
	CallID    int
	State     InviteState
	// RawState is the engine's code, meaningful when State is InviteStateUnrecognized.
	RawState         int
	Status           StatusCode
	ConnectTimestamp int64 // -1 when not connected
	// Flags are nil when the engine did not report them.
	LocalHold      *bool
	LocalMute      *bool
	LocalVideoMute *bool
}

func (CallState) Type() EventType { return TypeCallState }
func (c CallState) Key() string    { return CallKey(c.CallID) }

type OutgoingCall struct {
	AccountID         string
	CallID            int
	Number            string
	IsVideo           bool
	IsVideoConference bool
}

func (OutgoingCall) Type() EventType { return TypeOutgoingCall }
func (c OutgoingCall) Key() string    { return CallKey(c.CallID) }

type StackStatus struct {
	Started bool
}

func (StackStatus) Type() EventType { return TypeStackStatus }
func (StackStatus) Key() string      { return GlobalKey }

// CodecPriority is a codec id with its priority. Priority 0 disables the codec.
type CodecPriority struct {
	CodecID  string
	Priority int
}

func (c CodecPriority) String() string { return fmt.Sprintf("%s=%d", c.CodecID, c.Priority) }

type CodecPriorities struct {
	Codecs []CodecPriority
}

func (CodecPriorities) Type() EventType { return TypeCodecPriorities }
func (CodecPriorities) Key() string      { return GlobalKey }

type CodecPrioritiesSetStatus struct {
	Success bool
}

func (CodecPrioritiesSetStatus) Type() EventType { return TypeCodecPrioritiesSetStatus }
func (CodecPrioritiesSetStatus) Key() string      { return GlobalKey }

// MissedCall is the engine's own missed call signal.
type MissedCall struct {
	AccountID   string
	CallID      int
	DisplayName string
	RemoteURI   string
}

func (MissedCall) Type() EventType { return TypeMissedCall }

func (m MissedCall) Key() string {
	if m.CallID != 0 {
		return CallKey(m.CallID)
	}
	if m.AccountID != "" {
		return AccountKey(m.AccountID)
	}
	return GlobalKey
}

type VideoSize struct {
	Width  int
	Height int
}

func (VideoSize) Type() EventType { return TypeVideoSize }
func (VideoSize) Key() string      { return GlobalKey }

// RTPStreamStats are the per direction RTP counters of a call.
type RTPStreamStats struct {
	Packets       int64
	Bytes         int64
	Discarded     int64
	Lost          int64
	Reordered     int64
	Duplicated    int64
	JitterAvgUsec int64
	JitterMaxUsec int64
}

type CallStats struct {
	CallID      int
	Duration    int // seconds
	AudioCodec  string
	FinalStatus StatusCode
	RX          RTPStreamStats
	TX          RTPStreamStats
}

func (CallStats) Type() EventType { return TypeCallStats }

func (s CallStats) Key() string {
	if s.CallID != 0 {
		return CallKey(s.CallID)
	}
	return GlobalKey
}
