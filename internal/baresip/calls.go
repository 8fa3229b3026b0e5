package baresip

import (
	"sort"
	"sync"

	"github.com/404-not-find/SipVoice/internal/sipevent"
)

// call is what the adapter remembers about a baresip call. baresip does not
// report hold or mute in its events, so the flags last commanded are kept
// here and echoed in every call_state notification.
type call struct {
	id        int
	key       string
	accountID string
	state     sipevent.InviteState
	connectTS int64
	hold      bool
	mute      bool
}

// callTable maps baresip string call ids onto integer call ids. Ids are
// allocated monotonically and never reused while the process lives.
type callTable struct {
	mu    sync.Mutex
	next  int
	byKey map[string]*call
	byID  map[int]*call
}

func newCallTable() *callTable {
	return &callTable{
		byKey: make(map[string]*call),
		byID:  make(map[int]*call),
	}
}

// open returns the call for key, allocating an id on first sight.
func (t *callTable) open(key, accountID string, st sipevent.InviteState) (c call, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byKey[key]; ok {
		return *existing, false
	}
	t.next++
	nc := &call{id: t.next, key: key, accountID: accountID, state: st, connectTS: -1}
	t.byKey[key] = nc
	t.byID[nc.id] = nc
	return *nc, true
}

func (t *callTable) get(id int) (call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	if !ok {
		return call{}, false
	}
	return *c, true
}

// update applies fn to the call under the table lock and returns the result.
func (t *callTable) update(key string, fn func(*call)) (call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byKey[key]
	if !ok {
		return call{}, false
	}
	fn(c)
	return *c, true
}

func (t *callTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byKey[key]; ok {
		delete(t.byKey, key)
		delete(t.byID, c.id)
	}
}

// drain releases every call and returns them ordered by id. It is used when
// the connection drops.
func (t *callTable) drain() []call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]call, 0, len(t.byKey))
	for key, c := range t.byKey {
		out = append(out, *c)
		delete(t.byKey, key)
		delete(t.byID, c.id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}
