package baresip

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/404-not-find/SipVoice/internal/sipevent"
)

// EventType is the "type" of a ctrl_tcp event.
type EventType string

const (
	EventCallIncoming    EventType = "CALL_INCOMING"
	EventCallOutgoing    EventType = "CALL_OUTGOING"
	EventCallRinging     EventType = "CALL_RINGING"
	EventCallProgress    EventType = "CALL_PROGRESS"
	EventCallAnswered    EventType = "CALL_ANSWERED"
	EventCallEstablished EventType = "CALL_ESTABLISHED"
	EventCallClosed      EventType = "CALL_CLOSED"
	EventRegisterOK      EventType = "REGISTER_OK"
	EventRegisterFail    EventType = "REGISTER_FAIL"
	EventUnregistering   EventType = "UNREGISTERING"
)

// Event is an asynchronous ctrl_tcp message.
type Event struct {
	Event      bool      `json:"event"`
	Class      string    `json:"class"`
	Type       EventType `json:"type"`
	AccountAOR string    `json:"accountaor"`
	Direction  string    `json:"direction"`
	PeerURI    string    `json:"peeruri"`
	PeerName   string    `json:"peername"`
	ID         string    `json:"id"`
	Param      string    `json:"param"`
}

// Response answers a Command with the same token.
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type Command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// frame is used to tell events from responses before the full decode.
type frame struct {
	Event    *bool `json:"event"`
	Response *bool `json:"response"`
}

func classify(data []byte) (isEvent, isResponse bool, err error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return false, false, err
	}
	return f.Event != nil, f.Response != nil, nil
}

// leadingStatus parses the status code at the start of a param such as
// "486 Busy Here". Params without a code yield StatusNone.
func leadingStatus(param string) sipevent.StatusCode {
	param = strings.TrimSpace(param)
	end := strings.IndexFunc(param, func(r rune) bool { return r < '0' || r > '9' })
	if end < 0 {
		end = len(param)
	}
	if end != 3 {
		return sipevent.StatusNone
	}
	n, err := strconv.Atoi(param[:end])
	if err != nil {
		return sipevent.StatusNone
	}
	return sipevent.ParseStatusCode(n)
}
