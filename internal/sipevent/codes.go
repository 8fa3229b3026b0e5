package sipevent

import "fmt"

// InviteState is the invite session state reported by the SIP engine.
// Values mirror the engine's numeric codes.
type InviteState int

const (
	InviteStateNull         InviteState = 0
	InviteStateCalling      InviteState = 1
	InviteStateIncoming     InviteState = 2
	InviteStateEarly        InviteState = 3
	InviteStateConnecting   InviteState = 4
	InviteStateConfirmed    InviteState = 5
	InviteStateDisconnected InviteState = 6

	// InviteStateUnrecognized is used for codes outside the table.
	// The raw code is kept next to it in [CallState.RawState].
	InviteStateUnrecognized InviteState = -1
)

var inviteStateNames = map[InviteState]string{
	InviteStateNull:         "NULL",
	InviteStateCalling:      "CALLING",
	InviteStateIncoming:     "INCOMING",
	InviteStateEarly:        "EARLY",
	InviteStateConnecting:   "CONNECTING",
	InviteStateConfirmed:    "CONFIRMED",
	InviteStateDisconnected: "DISCONNECTED",
}

// ParseInviteState maps a raw engine code onto the closed set of invite states.
func ParseInviteState(raw int) InviteState {
	if _, ok := inviteStateNames[InviteState(raw)]; ok {
		return InviteState(raw)
	}
	return InviteStateUnrecognized
}

func (s InviteState) String() string {
	if name, ok := inviteStateNames[s]; ok {
		return name
	}
	return "UNRECOGNIZED"
}

// StatusCode is a SIP response status code.
// The zero value means "no status reported".
type StatusCode int

const StatusNone StatusCode = 0

const (
	StatusTrying                  StatusCode = 100
	StatusRinging                 StatusCode = 180
	StatusCallBeingForwarded      StatusCode = 181
	StatusQueued                  StatusCode = 182
	StatusSessionProgress         StatusCode = 183
	StatusOK                      StatusCode = 200
	StatusAccepted                StatusCode = 202
	StatusMovedPermanently        StatusCode = 301
	StatusMovedTemporarily        StatusCode = 302
	StatusBadRequest              StatusCode = 400
	StatusUnauthorized            StatusCode = 401
	StatusForbidden               StatusCode = 403
	StatusNotFound                StatusCode = 404
	StatusMethodNotAllowed        StatusCode = 405
	StatusProxyAuthRequired       StatusCode = 407
	StatusRequestTimeout          StatusCode = 408
	StatusGone                    StatusCode = 410
	StatusUnsupportedMediaType    StatusCode = 415
	StatusTemporarilyUnavailable  StatusCode = 480
	StatusCallDoesNotExist        StatusCode = 481
	StatusBusyHere                StatusCode = 486
	StatusRequestTerminated       StatusCode = 487
	StatusNotAcceptableHere       StatusCode = 488
	StatusInternalServerError     StatusCode = 500
	StatusNotImplemented          StatusCode = 501
	StatusBadGateway              StatusCode = 502
	StatusServiceUnavailable      StatusCode = 503
	StatusServerTimeout           StatusCode = 504
	StatusBusyEverywhere          StatusCode = 600
	StatusDecline                 StatusCode = 603
	StatusDoesNotExistAnywhere    StatusCode = 604
	StatusNotAcceptableAnywhere   StatusCode = 606
)

var statusNames = map[StatusCode]string{
	StatusTrying:                 "Trying",
	StatusRinging:                "Ringing",
	StatusCallBeingForwarded:     "Call Is Being Forwarded",
	StatusQueued:                 "Queued",
	StatusSessionProgress:        "Session Progress",
	StatusOK:                     "OK",
	StatusAccepted:               "Accepted",
	StatusMovedPermanently:       "Moved Permanently",
	StatusMovedTemporarily:       "Moved Temporarily",
	StatusBadRequest:             "Bad Request",
	StatusUnauthorized:           "Unauthorized",
	StatusForbidden:              "Forbidden",
	StatusNotFound:               "Not Found",
	StatusMethodNotAllowed:       "Method Not Allowed",
	StatusProxyAuthRequired:      "Proxy Authentication Required",
	StatusRequestTimeout:         "Request Timeout",
	StatusGone:                   "Gone",
	StatusUnsupportedMediaType:   "Unsupported Media Type",
	StatusTemporarilyUnavailable: "Temporarily Unavailable",
	StatusCallDoesNotExist:       "Call/Transaction Does Not Exist",
	StatusBusyHere:               "Busy Here",
	StatusRequestTerminated:      "Request Terminated",
	StatusNotAcceptableHere:      "Not Acceptable Here",
	StatusInternalServerError:    "Server Internal Error",
	StatusNotImplemented:         "Not Implemented",
	StatusBadGateway:             "Bad Gateway",
	StatusServiceUnavailable:     "Service Unavailable",
	StatusServerTimeout:          "Server Time-out",
	StatusBusyEverywhere:         "Busy Everywhere",
	StatusDecline:                "Decline",
	StatusDoesNotExistAnywhere:   "Does Not Exist Anywhere",
	StatusNotAcceptableAnywhere:  "Not Acceptable",
}

// ParseStatusCode converts a raw engine value. Non-positive values mean no status.
// Codes outside the table keep their raw value and report Recognized() == false.
func ParseStatusCode(raw int) StatusCode {
	if raw <= 0 {
		return StatusNone
	}
	return StatusCode(raw)
}

// Recognized reports whether the code is in the known table.
func (c StatusCode) Recognized() bool {
	_, ok := statusNames[c]
	return ok
}

// Class returns the hundreds digit (1 for provisional, 2 for success and so on).
func (c StatusCode) Class() int { return int(c) / 100 }

func (c StatusCode) String() string {
	if c == StatusNone {
		return "none"
	}
	if name, ok := statusNames[c]; ok {
		return fmt.Sprintf("%d %s", int(c), name)
	}
	return fmt.Sprintf("%d unrecognized", int(c))
}

// RegistrationState is the registration lifecycle of an account.
// The zero value is RegistrationUnregistered.
type RegistrationState int

const (
	RegistrationUnregistered RegistrationState = iota
	RegistrationTrying
	RegistrationRegistered
	RegistrationFailed
	RegistrationUnregistering
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationUnregistered:
		return "unregistered"
	case RegistrationTrying:
		return "trying"
	case RegistrationRegistered:
		return "registered"
	case RegistrationFailed:
		return "failed"
	case RegistrationUnregistering:
		return "unregistering"
	default:
		return fmt.Sprintf("RegistrationState(%d)", int(s))
	}
}

// DeriveRegistrationState maps a registration status code and expiration onto
// a RegistrationState. Expiration 0 marks an unregistration request.
func DeriveRegistrationState(code StatusCode, expiration int) RegistrationState {
	unregister := expiration == 0
	switch code.Class() {
	case 1:
		if unregister {
			return RegistrationUnregistering
		}
		return RegistrationTrying
	case 2:
		if unregister {
			return RegistrationUnregistered
		}
		return RegistrationRegistered
	default:
		return RegistrationFailed
	}
}
