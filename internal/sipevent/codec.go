package sipevent

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"

	"braces.dev/errtrace"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/404-not-find/SipVoice/internal/errorutil"
)

const (
	DefaultVideoWidth  = 352
	DefaultVideoHeight = 288
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://github.com/404-not-find/SipVoice/notification.schema.json"

// VideoDefaults fill in a video_size notification that omits its dimensions.
type VideoDefaults struct {
	Width  int
	Height int
}

// Codec translates between envelopes and notifications.
type Codec struct {
	video  VideoDefaults
	schema *jsonschema.Schema
}

// NewCodec compiles the embedded wire schema. Non-positive video dimensions
// fall back to 352x288.
func NewCodec(video VideoDefaults) (*Codec, error) {
	if video.Width <= 0 {
		video.Width = DefaultVideoWidth
	}
	if video.Height <= 0 {
		video.Height = DefaultVideoHeight
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add notification schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	return &Codec{video: video, schema: schema}, nil
}

// DecodeJSON parses a wire envelope, validates it against the schema and decodes it.
func (c *Codec) DecodeJSON(data []byte) (Notification, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedEvent, err))
	}
	if !env.Type.Known() {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownEventType, "%q", string(env.Type)))
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedEvent, err))
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedEvent, err))
	}
	return errtrace.Wrap2(c.Decode(&env))
}

// Decode converts an envelope into its typed notification.
func (c *Codec) Decode(env *Envelope) (Notification, error) {
	if env == nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedEvent, "nil envelope"))
	}
	r := newFieldReader(env)

	var n Notification
	switch env.Type {
	case TypeRegistration:
		n = Registration{
			AccountID:  r.str("account_id", true, ""),
			Code:       ParseStatusCode(r.integer("registration_code", true, 0)),
			Expiration: r.integer("expiration", false, -1),
		}
	case TypeIncomingCall:
		n = IncomingCall{
			AccountID:   r.str("account_id", true, ""),
			CallID:      r.integer("call_id", true, 0),
			DisplayName: r.str("display_name", false, ""),
			RemoteURI:   r.str("remote_uri", false, ""),
			IsVideo:     r.boolean("is_video", false),
		}
	case TypeCallState:
		raw := r.integer("call_state", true, 0)
		n = CallState{
			AccountID:        r.str("account_id", false, ""),
			CallID:           r.integer("call_id", true, 0),
			State:            ParseInviteState(raw),
			RawState:         raw,
			Status:           ParseStatusCode(r.integer("call_status", false, 0)),
			ConnectTimestamp: r.bigint("connect_timestamp", false, -1),
			LocalHold:        r.optBool("local_hold"),
			LocalMute:        r.optBool("local_mute"),
			LocalVideoMute:   r.optBool("local_video_mute"),
		}
	case TypeOutgoingCall:
		n = OutgoingCall{
			AccountID:         r.str("account_id", true, ""),
			CallID:            r.integer("call_id", true, 0),
			Number:            r.str("number", true, ""),
			IsVideo:           r.boolean("is_video", false),
			IsVideoConference: r.boolean("is_video_conference", false),
		}
	case TypeStackStatus:
		n = StackStatus{Started: r.requiredBool("stack_started")}
	case TypeCodecPriorities:
		n = CodecPriorities{Codecs: r.codecs("codec_priorities")}
	case TypeCodecPrioritiesSetStatus:
		n = CodecPrioritiesSetStatus{Success: r.requiredBool("success")}
	case TypeMissedCall:
		n = MissedCall{
			AccountID:   r.str("account_id", false, ""),
			CallID:      r.integer("call_id", false, 0),
			DisplayName: r.str("display_name", false, ""),
			RemoteURI:   r.str("remote_uri", true, ""),
		}
	case TypeVideoSize:
		n = VideoSize{
			Width:  r.integer("width", false, c.video.Width),
			Height: r.integer("height", false, c.video.Height),
		}
	case TypeCallStats:
		n = CallStats{
			CallID:      r.integer("call_id", false, 0),
			Duration:    r.integer("duration", false, 0),
			AudioCodec:  r.str("audio_codec", false, ""),
			FinalStatus: ParseStatusCode(r.integer("call_status", false, 0)),
			RX:          r.stream("rx_stream"),
			TX:          r.stream("tx_stream"),
		}
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownEventType, "%q", string(env.Type)))
	}

	if r.err != nil {
		return nil, errtrace.Wrap(r.err)
	}
	return n, nil
}

// Encode converts a notification into an envelope. Decode(Encode(n)) yields n.
func (c *Codec) Encode(n Notification) (*Envelope, error) {
	var fields map[string]any
	switch v := n.(type) {
	case Registration:
		fields = map[string]any{
			"account_id":        v.AccountID,
			"registration_code": int(v.Code),
			"expiration":        v.Expiration,
		}
	case IncomingCall:
		fields = map[string]any{
			"account_id":   v.AccountID,
			"call_id":      v.CallID,
			"display_name": v.DisplayName,
			"remote_uri":   v.RemoteURI,
			"is_video":     v.IsVideo,
		}
	case CallState:
		raw := v.RawState
		if v.State != InviteStateUnrecognized {
			raw = int(v.State)
		}
		fields = map[string]any{
			"account_id":        v.AccountID,
			"call_id":           v.CallID,
			"call_state":        raw,
			"call_status":       int(v.Status),
			"connect_timestamp": v.ConnectTimestamp,
		}
		setBool(fields, "local_hold", v.LocalHold)
		setBool(fields, "local_mute", v.LocalMute)
		setBool(fields, "local_video_mute", v.LocalVideoMute)
	case OutgoingCall:
		fields = map[string]any{
			"account_id":          v.AccountID,
			"call_id":             v.CallID,
			"number":              v.Number,
			"is_video":            v.IsVideo,
			"is_video_conference": v.IsVideoConference,
		}
	case StackStatus:
		fields = map[string]any{"stack_started": v.Started}
	case CodecPriorities:
		list := make([]any, 0, len(v.Codecs))
		for _, cp := range v.Codecs {
			list = append(list, map[string]any{"codec_id": cp.CodecID, "priority": cp.Priority})
		}
		fields = map[string]any{"codec_priorities": list}
	case CodecPrioritiesSetStatus:
		fields = map[string]any{"success": v.Success}
	case MissedCall:
		fields = map[string]any{
			"account_id":   v.AccountID,
			"call_id":      v.CallID,
			"display_name": v.DisplayName,
			"remote_uri":   v.RemoteURI,
		}
	case VideoSize:
		fields = map[string]any{"width": v.Width, "height": v.Height}
	case CallStats:
		fields = map[string]any{
			"call_id":     v.CallID,
			"duration":    v.Duration,
			"audio_codec": v.AudioCodec,
			"call_status": int(v.FinalStatus),
			"rx_stream":   streamFields(v.RX),
			"tx_stream":   streamFields(v.TX),
		}
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownEventType, "%T", n))
	}
	return errtrace.Wrap2(NewEnvelope(n.Type(), fields))
}

func streamFields(s RTPStreamStats) map[string]any {
	return map[string]any{
		"packets":         s.Packets,
		"bytes":           s.Bytes,
		"discarded":       s.Discarded,
		"lost":            s.Lost,
		"reordered":       s.Reordered,
		"duplicated":      s.Duplicated,
		"jitter_avg_usec": s.JitterAvgUsec,
		"jitter_max_usec": s.JitterMaxUsec,
	}
}

// maxExactInt is the largest integer a float64 holds without loss.
const maxExactInt = 1 << 53

// fieldReader reads typed values out of an envelope. The first failure is
// kept in err and later reads return their defaults.
type fieldReader struct {
	typ    EventType
	fields map[string]*structpb.Value
	err    error
}

func newFieldReader(env *Envelope) *fieldReader {
	r := &fieldReader{typ: env.Type}
	if env.Fields != nil {
		r.fields = env.Fields.GetFields()
	}
	return r
}

func (r *fieldReader) fail(name, format string, args ...any) {
	if r.err != nil {
		return
	}
	r.err = errorutil.NewWrapperError(ErrMalformedEvent, "%s.%s: %s", r.typ, name, fmt.Sprintf(format, args...))
}

// lookup returns the value of a field, treating JSON null as absent.
func (r *fieldReader) lookup(name string, required bool) (*structpb.Value, bool) {
	v, ok := r.fields[name]
	if ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
			ok = false
		}
	}
	if !ok && required {
		r.fail(name, "required field missing")
	}
	return v, ok
}

func (r *fieldReader) str(name string, required bool, def string) string {
	v, ok := r.lookup(name, required)
	if !ok {
		return def
	}
	s, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		r.fail(name, "expected string")
		return def
	}
	return s.StringValue
}

func (r *fieldReader) bigint(name string, required bool, def int64) int64 {
	v, ok := r.lookup(name, required)
	if !ok {
		return def
	}
	num, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		r.fail(name, "expected integer")
		return def
	}
	f := num.NumberValue
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f || math.Abs(f) > maxExactInt {
		r.fail(name, "expected integer, got %v", f)
		return def
	}
	return int64(f)
}

func (r *fieldReader) integer(name string, required bool, def int) int {
	v := r.bigint(name, required, int64(def))
	if v > math.MaxInt32 || v < math.MinInt32 {
		r.fail(name, "integer %d out of range", v)
		return def
	}
	return int(v)
}

func (r *fieldReader) boolean(name string, required bool) bool {
	v, ok := r.lookup(name, required)
	if !ok {
		return false
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		r.fail(name, "expected boolean")
		return false
	}
	return b.BoolValue
}

func (r *fieldReader) requiredBool(name string) bool { return r.boolean(name, true) }

// optBool returns nil for an absent field.
func (r *fieldReader) optBool(name string) *bool {
	if _, ok := r.lookup(name, false); !ok {
		return nil
	}
	b := r.boolean(name, false)
	return &b
}

func (r *fieldReader) codecs(name string) []CodecPriority {
	v, ok := r.lookup(name, true)
	if !ok {
		return nil
	}
	list, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		r.fail(name, "expected list")
		return nil
	}

	out := make([]CodecPriority, 0, len(list.ListValue.GetValues()))
	for i, item := range list.ListValue.GetValues() {
		obj, isObj := item.GetKind().(*structpb.Value_StructValue)
		if !isObj {
			r.fail(name, "entry %d: expected object", i)
			return nil
		}
		sub := &fieldReader{typ: EventType(fmt.Sprintf("%s.%s[%d]", r.typ, name, i)), fields: obj.StructValue.GetFields()}
		cp := CodecPriority{
			CodecID:  sub.str("codec_id", true, ""),
			Priority: sub.integer("priority", true, 0),
		}
		if sub.err != nil {
			if r.err == nil {
				r.err = sub.err
			}
			return nil
		}
		out = append(out, cp)
	}
	return out
}

func (r *fieldReader) stream(name string) RTPStreamStats {
	v, ok := r.lookup(name, false)
	if !ok {
		return RTPStreamStats{}
	}
	obj, isObj := v.GetKind().(*structpb.Value_StructValue)
	if !isObj {
		r.fail(name, "expected object")
		return RTPStreamStats{}
	}
	sub := &fieldReader{typ: EventType(fmt.Sprintf("%s.%s", r.typ, name)), fields: obj.StructValue.GetFields()}
	s := RTPStreamStats{
		Packets:       sub.bigint("packets", false, 0),
		Bytes:         sub.bigint("bytes", false, 0),
		Discarded:     sub.bigint("discarded", false, 0),
		Lost:          sub.bigint("lost", false, 0),
		Reordered:     sub.bigint("reordered", false, 0),
		Duplicated:    sub.bigint("duplicated", false, 0),
		JitterAvgUsec: sub.bigint("jitter_avg_usec", false, 0),
		JitterMaxUsec: sub.bigint("jitter_max_usec", false, 0),
	}
	if sub.err != nil {
		if r.err == nil {
			r.err = sub.err
		}
		return RTPStreamStats{}
	}
	return s
}

func setBool(fields map[string]any, name string, v *bool) {
	if v != nil {
		fields[name] = *v
	}
}
