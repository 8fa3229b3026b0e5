package sipevent

import "github.com/404-not-find/SipVoice/internal/errorutil"

const (
	// ErrMalformedEvent is returned when a field is missing or has the wrong kind.
	ErrMalformedEvent errorutil.Error = "malformed event"
	// ErrUnknownEventType is returned for an envelope tag the codec does not know.
	ErrUnknownEventType errorutil.Error = "unknown event type"
)
