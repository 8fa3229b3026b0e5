package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/404-not-find/SipVoice/internal/sipevent"
)

func TestNewMeta(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a, b := NewMeta(now), NewMeta(now)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, now, a.Time)

	ev := CallConfirmedEvent{Meta: a, CallID: 1}
	assert.Equal(t, a, ev.Metadata())
}

func TestPartitionKeys(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{CallComingEvent{CallID: 3}, "call:3"},
		{CallDisconnectEvent{CallID: 3}, "call:3"},
		{MissedCallEvent{AccountID: "a"}, "account:a"},
		{RegistrationEvent{AccountID: "a"}, "account:a"},
		{StackStatusEvent{}, sipevent.GlobalKey},
		{CallStatsEvent{}, sipevent.GlobalKey},
		{CallStatsEvent{Stats: sipevent.CallStats{CallID: 3}}, "call:3"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.ev.PartitionKey(), "%s", tc.ev.Kind())
	}
}

func TestCallID(t *testing.T) {
	id, ok := CallID(CallOutEvent{CallID: 4})
	assert.True(t, ok)
	assert.Equal(t, 4, id)

	_, ok = CallID(VideoSizeEvent{})
	assert.False(t, ok)
}
