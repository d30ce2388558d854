package throttle

import (
	"controlplane/internal/schema"
)

// Gate holds one tracker per throttled destination. Destinations without a tracker pass freely.
type Gate struct {
	clock    Clock
	trackers map[schema.SinkID]Tracker
}

// NewGate creates an empty gate.
func NewGate(clock Clock) *Gate {
	return &Gate{
		clock:    clock,
		trackers: make(map[schema.SinkID]Tracker),
	}
}

// Set installs a tracker for dst built from cfg, replacing any previous one.
func (g *Gate) Set(dst schema.SinkID, cfg Config) error {
	tr, err := New(g.clock, cfg)
	if err != nil {
		return err
	}
	g.trackers[dst] = tr
	return nil
}

// Tracker returns the tracker guarding dst.
func (g *Gate) Tracker(dst schema.SinkID) (Tracker, bool) {
	tr, ok := g.trackers[dst]
	return tr, ok
}

// Allow consumes a permit for dst.
func (g *Gate) Allow(dst schema.SinkID) bool {
	tr, ok := g.trackers[dst]
	if !ok {
		return true
	}
	return tr.GetThrottle()
}

// Len returns the number of throttled destinations.
func (g *Gate) Len() int {
	return len(g.trackers)
}
