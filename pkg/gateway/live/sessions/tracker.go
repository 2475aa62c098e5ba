package sessions

import (
	"context"
	"slices"
	"sync"
)

// Tracker admits call sessions up to a capacity and lets shutdown cancel the
// running ones and wait for them to finish.
type Tracker struct {
	mu    sync.Mutex
	slots map[string]*Slot
	wg    sync.WaitGroup
}

// Slot is one admitted call. It is reserved before the WebSocket upgrade and
// gets its cancel function once the session exists.
type Slot struct {
	id      string
	tracker *Tracker

	mu       sync.Mutex
	cancel   func()
	canceled bool
	release  sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{slots: make(map[string]*Slot)}
}

// Reserve admits sessionID unless max > 0 slots are already taken or the id
// is in use. Admission and insertion happen under one lock.
func (t *Tracker) Reserve(sessionID string, max int) (*Slot, bool) {
	if t == nil {
		return &Slot{id: sessionID}, true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots == nil {
		t.slots = make(map[string]*Slot)
	}
	if max > 0 && len(t.slots) >= max {
		return nil, false
	}
	if _, taken := t.slots[sessionID]; taken {
		return nil, false
	}
	slot := &Slot{id: sessionID, tracker: t}
	t.slots[sessionID] = slot
	t.wg.Add(1)
	return slot, true
}

func (s *Slot) ID() string { return s.id }

// Attach sets the function that ends the session. If the slot was canceled
// before the session existed, cancel runs immediately.
func (s *Slot) Attach(cancel func()) {
	if s == nil || cancel == nil {
		return
	}
	s.mu.Lock()
	s.cancel = cancel
	canceled := s.canceled
	s.mu.Unlock()
	if canceled {
		cancel()
	}
}

func (s *Slot) cancelSession() {
	s.mu.Lock()
	s.canceled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Release frees the slot. Safe to call more than once.
func (s *Slot) Release() {
	if s == nil || s.tracker == nil {
		return
	}
	s.release.Do(func() {
		t := s.tracker
		t.mu.Lock()
		if t.slots[s.id] == s {
			delete(t.slots, s.id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// IDs returns the tracked session ids in sorted order.
func (t *Tracker) IDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	ids := make([]string, 0, len(t.slots))
	for id := range t.slots {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// CancelAll cancels every admitted session, including ones still being set
// up, and returns how many were signalled.
func (t *Tracker) CancelAll() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	slots := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		slots = append(slots, s)
	}
	t.mu.Unlock()

	for _, s := range slots {
		s.cancelSession()
	}
	return len(slots)
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
