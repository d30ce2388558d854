package obs

import "sync/atomic"

// Sequencer hands out envelope trace ids shared by every service of a supervisor, so a
// message can be followed across mailboxes in the logs.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer returns a sequencer whose first id is start+1.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next returns the next id. A nil sequencer always returns 0.
func (s *Sequencer) Next() uint64 {
	if s == nil {
		return 0
	}
	return s.last.Add(1)
}

// Last returns the most recently issued id.
func (s *Sequencer) Last() uint64 {
	if s == nil {
		return 0
	}
	return s.last.Load()
}
