// Package registry keeps the live call sessions and the registration state of
// every account. It is the single source of truth the call state machine reads
// and writes; readers always receive copies.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/404-not-find/SipVoice/internal/sipevent"
)

// State is the lifecycle state of a call session.
type State string

const (
	StateRinging      State = "ringing"
	StateInitiating   State = "initiating"
	StateEarly        State = "early"
	StateConnecting   State = "connecting"
	StateConfirmed    State = "confirmed"
	StateDisconnected State = "disconnected"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateDisconnected }

// CallSession is a snapshot of one live call.
type CallSession struct {
	CallID            int
	AccountID         string
	RemoteURI         string
	DisplayName       string
	Number            string
	Direction         sipevent.Direction
	IsVideo           bool
	IsVideoConference bool

	State            State
	ConnectTimestamp int64
	LocalHold        bool
	LocalMute        bool
	LocalVideoMute   bool
	LastStatus       sipevent.StatusCode
	// Confirmed is set once the call reached CONFIRMED and never cleared.
	Confirmed   bool
	ConfirmedAt time.Time

	// Stats are attached by the engine before teardown.
	Stats *sipevent.CallStats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsIncoming returns true if the remote party placed the call.
func (s CallSession) IsIncoming() bool { return s.Direction == sipevent.DirectionIncoming }

// IsOutgoing returns true if the call was placed locally.
func (s CallSession) IsOutgoing() bool { return s.Direction == sipevent.DirectionOutgoing }

func (s CallSession) clone() CallSession {
	if s.Stats != nil {
		stats := *s.Stats
		s.Stats = &stats
	}
	return s
}

// CallUpdate describes a partial change of a session. Nil fields are kept.
type CallUpdate struct {
	AccountID         *string
	RemoteURI         *string
	DisplayName       *string
	Number            *string
	Direction         *sipevent.Direction
	IsVideo           *bool
	IsVideoConference *bool
	State             *State
	ConnectTimestamp  *int64
	LocalHold         *bool
	LocalMute         *bool
	LocalVideoMute    *bool
	LastStatus        *sipevent.StatusCode
	Confirmed         *bool
	ConfirmedAt       *time.Time
	Stats             *sipevent.CallStats
}

// Ptr returns a pointer to v, for building CallUpdate values.
func Ptr[T any](v T) *T { return &v }

func (u CallUpdate) applyTo(s *CallSession) {
	setIf(&s.AccountID, u.AccountID)
	setIf(&s.RemoteURI, u.RemoteURI)
	setIf(&s.DisplayName, u.DisplayName)
	setIf(&s.Number, u.Number)
	setIf(&s.Direction, u.Direction)
	setIf(&s.IsVideo, u.IsVideo)
	setIf(&s.IsVideoConference, u.IsVideoConference)
	setIf(&s.State, u.State)
	setIf(&s.ConnectTimestamp, u.ConnectTimestamp)
	setIf(&s.LocalHold, u.LocalHold)
	setIf(&s.LocalMute, u.LocalMute)
	setIf(&s.LocalVideoMute, u.LocalVideoMute)
	setIf(&s.LastStatus, u.LastStatus)
	setIf(&s.Confirmed, u.Confirmed)
	setIf(&s.ConfirmedAt, u.ConfirmedAt)
	if u.Stats != nil {
		stats := *u.Stats
		s.Stats = &stats
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Registration is the last known registration of an account.
type Registration struct {
	State      sipevent.RegistrationState
	Code       sipevent.StatusCode
	Expiration int
	UpdatedAt  time.Time
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	calls map[int]*CallSession
}

// Registry is safe for concurrent use. Mutations of one call id must be
// serialized by the caller to keep transitions ordered.
type Registry struct {
	shards [shardCount]shard

	regMu sync.RWMutex
	regs  map[string]Registration

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		regs: make(map[string]Registration),
		now:  time.Now,
	}
	for i := range r.shards {
		r.shards[i].calls = make(map[int]*CallSession)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(callID int) *shard {
	return &r.shards[uint(callID)%shardCount]
}

// Upsert applies u to the session of callID, creating it if absent.
// It returns a copy of the resulting session and whether it was created.
func (r *Registry) Upsert(callID int, u CallUpdate) (CallSession, bool) {
	sh := r.shardFor(callID)
	now := r.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.calls[callID]
	if !ok {
		s = &CallSession{CallID: callID, ConnectTimestamp: -1, CreatedAt: now}
		sh.calls[callID] = s
	}
	u.applyTo(s)
	s.UpdatedAt = now
	return s.clone(), !ok
}

// Get returns a copy of the session of callID.
func (r *Registry) Get(callID int) (CallSession, bool) {
	sh := r.shardFor(callID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.calls[callID]
	if !ok {
		return CallSession{}, false
	}
	return s.clone(), true
}

// Remove drops the session of callID. It reports whether one existed.
func (r *Registry) Remove(callID int) bool {
	sh := r.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.calls[callID]; !ok {
		return false
	}
	delete(sh.calls, callID)
	return true
}

// Calls returns copies of all live sessions ordered by call id.
func (r *Registry) Calls() []CallSession {
	var out []CallSession
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.calls {
			out = append(out, s.clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.calls)
		sh.mu.RUnlock()
	}
	return n
}

// RegistrationState returns the state of an account; unknown accounts are unregistered.
func (r *Registry) RegistrationState(accountID string) sipevent.RegistrationState {
	reg, _ := r.Registration(accountID)
	return reg.State
}

func (r *Registry) Registration(accountID string) (Registration, bool) {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	reg, ok := r.regs[accountID]
	return reg, ok
}

// SetRegistration records the registration of an account. A zero UpdatedAt is
// replaced with the current time.
func (r *Registry) SetRegistration(accountID string, reg Registration) {
	if reg.UpdatedAt.IsZero() {
		reg.UpdatedAt = r.now()
	}
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.regs[accountID] = reg
}

// Accounts returns the ids of every account with a recorded registration.
func (r *Registry) Accounts() []string {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	out := make([]string, 0, len(r.regs))
	for id := range r.regs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
