package callhistory

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/404-not-find/SipVoice/internal/events"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

type memAppender struct {
	entries []Entry
	err     error
}

func (m *memAppender) Append(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRecorder(t *testing.T) {
	at := time.Unix(1700000000, 0)
	meta := events.Meta{Time: at}

	tests := []struct {
		name string
		ev   events.Event
		want []Entry
	}{
		{
			name: "answered incoming call with stats",
			ev: events.CallDisconnectEvent{
				Meta: meta, AccountID: "alice", CallID: 1, Direction: sipevent.DirectionIncoming,
				Status: sipevent.StatusOK, Confirmed: true, RemoteURI: "sip:1002@pbx", Number: "1002",
				Duration: 40 * time.Second,
				Stats: &sipevent.CallStats{
					CallID: 1, Duration: 42, AudioCodec: "PCMA", FinalStatus: sipevent.StatusOK,
					RX: sipevent.RTPStreamStats{Lost: 3},
				},
			},
			want: []Entry{{
				Outcome: OutcomeAnswered, Direction: sipevent.DirectionIncoming, AccountID: "alice", CallID: 1,
				RemoteURI: "sip:1002@pbx", Number: "1002", Duration: 42, AudioCodec: "PCMA", Status: 200, RXLost: 3, At: at,
			}},
		},
		{
			name: "answered outgoing call without stats",
			ev: events.CallDisconnectEvent{
				Meta: meta, AccountID: "alice", CallID: 2, Direction: sipevent.DirectionOutgoing,
				Confirmed: true, Number: "1003", Duration: 65*time.Second + 400*time.Millisecond,
			},
			want: []Entry{{
				Outcome: OutcomeAnswered, Direction: sipevent.DirectionOutgoing, AccountID: "alice", CallID: 2,
				Number: "1003", Duration: 65, At: at,
			}},
		},
		{
			name: "unconfirmed incoming call is missed",
			ev: events.CallDisconnectEvent{
				Meta: meta, AccountID: "alice", CallID: 3, Direction: sipevent.DirectionIncoming,
				Status: sipevent.StatusRequestTerminated, DisplayName: "Bob", Number: "1002",
			},
			want: []Entry{{
				Outcome: OutcomeMissed, Direction: sipevent.DirectionIncoming, AccountID: "alice", CallID: 3,
				DisplayName: "Bob", Number: "1002", Status: 487, At: at,
			}},
		},
		{
			name: "rejected outgoing call failed",
			ev: events.CallDisconnectEvent{
				Meta: meta, AccountID: "alice", CallID: 4, Direction: sipevent.DirectionOutgoing,
				Status: sipevent.StatusBusyHere, Number: "1004",
			},
			want: []Entry{{
				Outcome: OutcomeFailed, Direction: sipevent.DirectionOutgoing, AccountID: "alice", CallID: 4,
				Number: "1004", Status: 486, At: at,
			}},
		},
		{
			name: "cancelled outgoing call is unanswered",
			ev: events.CallDisconnectEvent{
				Meta: meta, AccountID: "alice", CallID: 5, Direction: sipevent.DirectionOutgoing,
				Status: sipevent.StatusRequestTerminated, Number: "1005",
			},
			want: []Entry{{
				Outcome: OutcomeUnanswered, Direction: sipevent.DirectionOutgoing, AccountID: "alice", CallID: 5,
				Number: "1005", Status: 487, At: at,
			}},
		},
		{
			name: "engine missed call without a tracked session",
			ev: events.MissedCallEvent{
				Meta: meta, AccountID: "alice", RemoteURI: "sip:1002@pbx", Number: "1002",
			},
			want: []Entry{{
				Outcome: OutcomeMissed, Direction: sipevent.DirectionIncoming, AccountID: "alice",
				RemoteURI: "sip:1002@pbx", Number: "1002", At: at,
			}},
		},
		{
			name: "missed call of a tracked session is left to its disconnect",
			ev:   events.MissedCallEvent{Meta: meta, AccountID: "alice", CallID: 3},
		},
		{
			name: "stats alone are not recorded",
			ev:   events.CallStatsEvent{Meta: meta, AccountID: "alice", Stats: sipevent.CallStats{CallID: 9, Duration: 5}},
		},
		{
			name: "other events are ignored",
			ev:   events.CallConfirmedEvent{Meta: meta, CallID: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memAppender{}
			r := NewRecorder(store, quietLogger())
			require.NoError(t, r.HandleEvent(context.Background(), tt.ev))
			assert.Equal(t, tt.want, store.entries)
		})
	}
}

func TestRecorder_StoreError(t *testing.T) {
	r := NewRecorder(&memAppender{err: errors.New("redis down")}, quietLogger())
	assert.Error(t, r.HandleEvent(context.Background(), events.CallDisconnectEvent{AccountID: "alice", CallID: 1}))
}

func TestStore_Disabled(t *testing.T) {
	s, err := New(context.Background(), Options{})
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.NoError(t, s.Append(context.Background(), Entry{}))
	got, err := s.Recent(context.Background(), "alice", 10)
	assert.NoError(t, err)
	assert.Empty(t, got)
	s.Close()

	_, err = New(context.Background(), Options{Enabled: true})
	assert.Error(t, err)
}

func TestStore_Key(t *testing.T) {
	s := NewWithClient(nil, Options{Prefix: "p"})
	assert.Equal(t, "p:alice", s.key(" alice "))
	assert.Equal(t, "p:unknown", s.key(""))
	assert.Equal(t, defaultMaxEntries, s.maxEntries)
}

// TestStore_Redis runs against a live server when SIPVOICE_TEST_REDIS_ADDR is set.
func TestStore_Redis(t *testing.T) {
	addr := os.Getenv("SIPVOICE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SIPVOICE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "sipvoice:test:" + uuid.NewString()
	s, err := New(ctx, Options{Enabled: true, Addr: addr, Prefix: prefix, TTL: time.Minute, MaxEntries: 2})
	require.NoError(t, err)
	defer s.Close()
	defer s.client.Del(ctx, prefix+":alice")

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Append(ctx, Entry{Outcome: OutcomeAnswered, AccountID: "alice", CallID: i}))
	}
	got, err := s.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].CallID)
	assert.Equal(t, 2, got[1].CallID)

	ttl, err := s.client.TTL(ctx, prefix+":alice").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = s.client.Get(ctx, prefix+":missing").Result()
	assert.ErrorIs(t, err, redis.Nil)
}
