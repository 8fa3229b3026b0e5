package sipevent

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(VideoDefaults{})
	require.NoError(t, err)
	return c
}

func boolPtr(v bool) *bool { return &v }

func TestCodec_DecodeJSON(t *testing.T) {
	c := newTestCodec(t)

	cases := []struct {
		name string
		in   string
		want Notification
	}{
		{
			name: "registration with default expiration",
			in:   `{"type":"registration","fields":{"account_id":"sip:alice@pbx","registration_code":200}}`,
			want: Registration{AccountID: "sip:alice@pbx", Code: StatusOK, Expiration: -1},
		},
		{
			name: "incoming call",
			in: `{"type":"incoming_call","fields":{"account_id":"a","call_id":7,` +
				`"display_name":"Bob","remote_uri":"sip:bob@pbx","is_video":true}}`,
			want: IncomingCall{AccountID: "a", CallID: 7, DisplayName: "Bob", RemoteURI: "sip:bob@pbx", IsVideo: true},
		},
		{
			name: "call state defaults",
			in:   `{"type":"call_state","fields":{"call_id":7,"call_state":5}}`,
			want: CallState{CallID: 7, State: InviteStateConfirmed, RawState: 5, ConnectTimestamp: -1},
		},
		{
			name: "call state with unrecognized code",
			in:   `{"type":"call_state","fields":{"call_id":7,"call_state":42,"call_status":799,"local_hold":true}}`,
			want: CallState{CallID: 7, State: InviteStateUnrecognized, RawState: 42, Status: 799, ConnectTimestamp: -1, LocalHold: boolPtr(true)},
		},
		{
			name: "call state with explicit false flags",
			in:   `{"type":"call_state","fields":{"call_id":7,"call_state":5,"local_mute":false,"local_video_mute":false}}`,
			want: CallState{CallID: 7, State: InviteStateConfirmed, RawState: 5, ConnectTimestamp: -1, LocalMute: boolPtr(false), LocalVideoMute: boolPtr(false)},
		},
		{
			name: "integral float is accepted",
			in:   `{"type":"call_state","fields":{"call_id":7.0,"call_state":6,"call_status":-1}}`,
			want: CallState{CallID: 7, State: InviteStateDisconnected, RawState: 6, ConnectTimestamp: -1},
		},
		{
			name: "outgoing call",
			in:   `{"type":"outgoing_call","fields":{"account_id":"a","call_id":3,"number":"1001","is_video_conference":true}}`,
			want: OutgoingCall{AccountID: "a", CallID: 3, Number: "1001", IsVideoConference: true},
		},
		{
			name: "stack status",
			in:   `{"type":"stack_status","fields":{"stack_started":true}}`,
			want: StackStatus{Started: true},
		},
		{
			name: "codec priorities",
			in:   `{"type":"codec_priorities","fields":{"codec_priorities":[{"codec_id":"PCMA/8000/1","priority":128},{"codec_id":"G722/16000/1","priority":0}]}}`,
			want: CodecPriorities{Codecs: []CodecPriority{{"PCMA/8000/1", 128}, {"G722/16000/1", 0}}},
		},
		{
			name: "set status",
			in:   `{"type":"codec_priorities_set_status","fields":{"success":false}}`,
			want: CodecPrioritiesSetStatus{},
		},
		{
			name: "missed call",
			in:   `{"type":"missed_call","fields":{"remote_uri":"sip:bob@pbx","display_name":null}}`,
			want: MissedCall{RemoteURI: "sip:bob@pbx"},
		},
		{
			name: "video size defaults",
			in:   `{"type":"video_size"}`,
			want: VideoSize{Width: DefaultVideoWidth, Height: DefaultVideoHeight},
		},
		{
			name: "call stats",
			in: `{"type":"call_stats","fields":{"call_id":7,"duration":61,"audio_codec":"PCMA","call_status":200,` +
				`"rx_stream":{"packets":3050,"lost":2,"jitter_avg_usec":1200},"tx_stream":{"packets":3049}}}`,
			want: CallStats{
				CallID: 7, Duration: 61, AudioCodec: "PCMA", FinalStatus: StatusOK,
				RX: RTPStreamStats{Packets: 3050, Lost: 2, JitterAvgUsec: 1200},
				TX: RTPStreamStats{Packets: 3049},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.DecodeJSON([]byte(tc.in))
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("DecodeJSON() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodec_DecodeJSON_Errors(t *testing.T) {
	c := newTestCodec(t)

	cases := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{"type":`, ErrMalformedEvent},
		{"unknown tag", `{"type":"conference_started","fields":{}}`, ErrUnknownEventType},
		{"missing tag", `{"fields":{}}`, ErrUnknownEventType},
		{"missing required field", `{"type":"incoming_call","fields":{"account_id":"a"}}`, ErrMalformedEvent},
		{"string for int", `{"type":"call_state","fields":{"call_id":"7","call_state":5}}`, ErrMalformedEvent},
		{"non-integral int", `{"type":"call_state","fields":{"call_id":7.5,"call_state":5}}`, ErrMalformedEvent},
		{"number for bool", `{"type":"stack_status","fields":{"stack_started":1}}`, ErrMalformedEvent},
		{"codec entry without id", `{"type":"codec_priorities","fields":{"codec_priorities":[{"priority":1}]}}`, ErrMalformedEvent},
		{"fields not an object", `{"type":"stack_status","fields":[true]}`, ErrMalformedEvent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.DecodeJSON([]byte(tc.in))
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCodec_Decode_WithoutSchema(t *testing.T) {
	c := newTestCodec(t)

	env, err := NewEnvelope(TypeCallState, map[string]any{"call_id": 1.25, "call_state": 5})
	require.NoError(t, err)
	_, err = c.Decode(env)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = c.Decode(&Envelope{Type: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	env, err = NewEnvelope(TypeCallStats, map[string]any{"rx_stream": map[string]any{"lost": "many"}})
	require.NoError(t, err)
	_, err = c.Decode(env)
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.ErrorContains(t, err, "call_stats.rx_stream.lost")
}

func TestCodec_EncodeRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	notifications := []Notification{
		Registration{AccountID: "a", Code: StatusTrying, Expiration: 0},
		IncomingCall{AccountID: "a", CallID: 1, DisplayName: "Bob", RemoteURI: "sip:bob@pbx"},
		CallState{AccountID: "a", CallID: 1, State: InviteStateEarly, RawState: 3, Status: StatusRinging, ConnectTimestamp: -1, LocalMute: boolPtr(true), LocalHold: boolPtr(false)},
		CallState{CallID: 1, State: InviteStateUnrecognized, RawState: 9, ConnectTimestamp: 1700000000000},
		OutgoingCall{AccountID: "a", CallID: 2, Number: "1001", IsVideo: true},
		StackStatus{Started: true},
		CodecPriorities{Codecs: []CodecPriority{{"opus/48000/2", 255}}},
		CodecPrioritiesSetStatus{Success: true},
		MissedCall{AccountID: "a", CallID: 4, RemoteURI: "sip:bob@pbx"},
		VideoSize{Width: 640, Height: 480},
		CallStats{CallID: 1, Duration: 10, FinalStatus: StatusBusyHere, TX: RTPStreamStats{Bytes: 1 << 40}},
	}

	for _, n := range notifications {
		env, err := c.Encode(n)
		require.NoError(t, err, "%T", n)

		raw, err := json.Marshal(env)
		require.NoError(t, err)

		got, err := c.DecodeJSON(raw)
		require.NoError(t, err, "%T: %s", n, raw)
		if diff := cmp.Diff(n, got); diff != "" {
			t.Errorf("%T round trip mismatch (-want +got):\n%s", n, diff)
		}
	}
}

func TestEnvelope_JSON(t *testing.T) {
	env, err := NewEnvelope(TypeStackStatus, map[string]any{"stack_started": true})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stack_status","fields":{"stack_started":true}}`, string(raw))

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, TypeStackStatus, back.Type)
	assert.True(t, back.Fields.GetFields()["stack_started"].GetBoolValue())

	var empty Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"video_size"}`), &empty))
	assert.NotNil(t, empty.Fields)
	assert.Empty(t, empty.Fields.GetFields())
}

func TestNewCodec_VideoDefaults(t *testing.T) {
	c, err := NewCodec(VideoDefaults{Width: 1280, Height: 720})
	require.NoError(t, err)

	got, err := c.DecodeJSON([]byte(`{"type":"video_size","fields":{"width":800}}`))
	require.NoError(t, err)
	assert.Equal(t, VideoSize{Width: 800, Height: 720}, got)
}
