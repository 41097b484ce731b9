package coordinator

import (
	"context"
	"sync"
)

// lane orders the turns of one session.
type lane struct {
	issued  uint64 // last ticket handed out
	serving uint64 // ticket allowed to run
	pending int    // tickets not yet released
	done    map[uint64]bool
	wake    chan struct{}
}

// sequencer hands out per-session tickets. Tickets of one session run one at
// a time, in the order they were issued.
type sequencer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func newSequencer() *sequencer {
	return &sequencer{lanes: make(map[string]*lane)}
}

// Ticket is an admitted turn waiting for its place in the session's queue.
// Obtain one with Coordinator.Admit and run it with Coordinator.Serve.
type Ticket struct {
	turn Turn
	seq  *sequencer
	lane *lane
	n    uint64
	once sync.Once
}

// Turn returns the admitted turn, with its session id filled in.
func (t *Ticket) Turn() Turn {
	return t.turn
}

func (s *sequencer) admit(turn Turn) *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[turn.SessionID]
	if !ok {
		l = &lane{serving: 1, done: make(map[uint64]bool), wake: make(chan struct{})}
		s.lanes[turn.SessionID] = l
	}
	l.issued++
	l.pending++
	return &Ticket{turn: turn, seq: s, lane: l, n: l.issued}
}

// wait blocks until every earlier ticket of the session has been released.
func (t *Ticket) wait(ctx context.Context) error {
	for {
		t.seq.mu.Lock()
		if t.lane.serving == t.n {
			t.seq.mu.Unlock()
			return nil
		}
		wake := t.lane.wake
		t.seq.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// superseded reports whether a later turn was admitted for the same session.
func (t *Ticket) superseded() bool {
	t.seq.mu.Lock()
	defer t.seq.mu.Unlock()
	return t.n < t.lane.issued
}

// release frees the ticket's slot. A ticket released before its turn came
// (its wait was abandoned) is skipped when the queue reaches it.
func (t *Ticket) release() {
	t.once.Do(func() {
		s := t.seq
		s.mu.Lock()
		defer s.mu.Unlock()

		l := t.lane
		l.done[t.n] = true
		for l.done[l.serving] {
			delete(l.done, l.serving)
			l.serving++
		}
		close(l.wake)
		l.wake = make(chan struct{})

		l.pending--
		if l.pending == 0 && s.lanes[t.turn.SessionID] == l {
			delete(s.lanes, t.turn.SessionID)
		}
	})
}

// queued returns the number of sessions with admitted, unreleased turns.
func (s *sequencer) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
