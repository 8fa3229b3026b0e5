package codecprio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/404-not-find/SipVoice/internal/events"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

type fakeEngine struct {
	err  error
	got  [][]sipevent.CodecPriority
	call int
}

func (f *fakeEngine) SetCodecPriorities(_ context.Context, codecs []sipevent.CodecPriority) error {
	f.call++
	f.got = append(f.got, codecs)
	return f.err
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func newCoordinator(engine Negotiator, pub Publisher) *Coordinator {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(Options{Engine: engine, Publisher: pub, Logger: l})
}

var sample = []sipevent.CodecPriority{
	{CodecID: "PCMU/8000/1", Priority: 100},
	{CodecID: "G722/16000/1", Priority: 0},
	{CodecID: "opus/48000/2", Priority: 255},
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(sample))
	assert.NoError(t, Validate(nil))

	cases := map[string][]sipevent.CodecPriority{
		"empty id":  {{CodecID: " ", Priority: 1}},
		"duplicate": {{CodecID: "PCMU/8000/1", Priority: 1}, {CodecID: "PCMU/8000/1", Priority: 2}},
		"too high":  {{CodecID: "PCMU/8000/1", Priority: 256}},
		"negative":  {{CodecID: "PCMU/8000/1", Priority: -1}},
	}
	for name, list := range cases {
		assert.ErrorIs(t, Validate(list), ErrInvalidCodecList, name)
	}
}

func TestCoordinator_ApplySuccess(t *testing.T) {
	engine, pub := &fakeEngine{}, &recorder{}
	c := newCoordinator(engine, pub)

	require.NoError(t, c.Apply(context.Background(), sample))
	assert.Equal(t, sample, c.Current())
	assert.Equal(t, [][]sipevent.CodecPriority{sample}, engine.got)

	require.Len(t, pub.evs, 1)
	assert.True(t, pub.evs[0].(events.CodecPrioritiesSetStatusEvent).Success)

	// callers cannot mutate the current list through returned slices
	c.Current()[0].Priority = 1
	assert.Equal(t, 100, c.Current()[0].Priority)
}

func TestCoordinator_ApplyInvalidList(t *testing.T) {
	engine, pub := &fakeEngine{}, &recorder{}
	c := newCoordinator(engine, pub)
	require.NoError(t, c.Apply(context.Background(), sample))

	invalid := map[string][]sipevent.CodecPriority{
		"out of range": {{CodecID: "PCMU/8000/1", Priority: 300}},
		"duplicate":    {{CodecID: "PCMU", Priority: 0}, {CodecID: "PCMU", Priority: 5}},
	}
	for name, list := range invalid {
		err := c.Apply(context.Background(), list)
		assert.ErrorIs(t, err, ErrInvalidCodecList, name)
		assert.Equal(t, sample, c.Current(), name)
	}
	assert.Equal(t, 1, engine.call)
	assert.Len(t, pub.evs, 1)
}

func TestCoordinator_ApplyEngineFailure(t *testing.T) {
	engine, pub := &fakeEngine{}, &recorder{}
	c := newCoordinator(engine, pub)
	require.NoError(t, c.Apply(context.Background(), sample))

	engine.err = errors.New("pjsua rejected codec")
	err := c.Apply(context.Background(), []sipevent.CodecPriority{{CodecID: "GSM/8000/1", Priority: 10}})
	assert.ErrorIs(t, err, ErrNegotiationFailed)
	assert.ErrorContains(t, err, "pjsua rejected codec")
	assert.Equal(t, sample, c.Current())

	require.Len(t, pub.evs, 2)
	assert.False(t, pub.evs[1].(events.CodecPrioritiesSetStatusEvent).Success)
}

func TestCoordinator_Observe(t *testing.T) {
	c := newCoordinator(nil, nil)
	assert.Empty(t, c.Current())

	assert.True(t, c.Observe(sample))
	assert.Equal(t, sample, c.Current())

	assert.False(t, c.Observe([]sipevent.CodecPriority{{CodecID: ""}}))
	assert.Equal(t, sample, c.Current())

	err := c.Apply(context.Background(), sample)
	assert.ErrorIs(t, err, ErrNegotiationFailed)
}
