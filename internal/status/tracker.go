package status

import (
	"controlplane/internal/schema"
	"controlplane/pkg/exception"
)

// Handler observes a status change.
type Handler func(schema.ServiceStatus)

// AggregateHandler observes a transition of the all-dependencies-up flag.
type AggregateHandler func(allUp bool)

type scope uint8

const (
	scopeSink scope = iota + 1
	scopeType
	scopeAny
	scopeAggregate
)

type registration struct {
	scope scope
	sink  schema.SinkID
	typ   schema.ServiceType
}

// Tracker keeps the latest status per sink and fans changes out to the registered handlers.
// It is owned by a single service loop and is not safe for concurrent use.
type Tracker struct {
	records  map[schema.SinkID]schema.ServiceStatus
	upByType map[schema.ServiceType]int

	bySink    map[schema.SinkID]*handlerSet[schema.ServiceStatus]
	byType    map[schema.ServiceType]*handlerSet[schema.ServiceStatus]
	anyChange handlerSet[schema.ServiceStatus]
	aggregate handlerSet[bool]

	regs   map[HandlerID]registration
	nextID HandlerID
	allUp  bool
}

func NewTracker() *Tracker {
	return &Tracker{
		records:  make(map[schema.SinkID]schema.ServiceStatus),
		upByType: make(map[schema.ServiceType]int),
		bySink:   make(map[schema.SinkID]*handlerSet[schema.ServiceStatus]),
		byType:   make(map[schema.ServiceType]*handlerSet[schema.ServiceStatus]),
		regs:     make(map[HandlerID]registration),
		allUp:    true,
	}
}

// TrackSink registers fn for changes of one sink and makes the sink part of the aggregate.
func (t *Tracker) TrackSink(sink schema.SinkID, fn Handler) (HandlerID, error) {
	if fn == nil {
		return 0, exception.ErrNilInstance
	}
	set, ok := t.bySink[sink]
	if !ok {
		set = &handlerSet[schema.ServiceStatus]{}
		t.bySink[sink] = set
	}
	id := t.register(registration{scope: scopeSink, sink: sink})
	set.add(id, fn)
	t.recompute()
	return id, nil
}

// TrackType registers fn for changes of any sink of the given type. The aggregate then
// requires at least one sink of that type to be up.
func (t *Tracker) TrackType(typ schema.ServiceType, fn Handler) (HandlerID, error) {
	if fn == nil {
		return 0, exception.ErrNilInstance
	}
	set, ok := t.byType[typ]
	if !ok {
		set = &handlerSet[schema.ServiceStatus]{}
		t.byType[typ] = set
	}
	id := t.register(registration{scope: scopeType, typ: typ})
	set.add(id, fn)
	t.recompute()
	return id, nil
}

// TrackAny registers fn for every change. It does not affect the aggregate.
func (t *Tracker) TrackAny(fn Handler) (HandlerID, error) {
	if fn == nil {
		return 0, exception.ErrNilInstance
	}
	id := t.register(registration{scope: scopeAny})
	t.anyChange.add(id, fn)
	return id, nil
}

// TrackAggregate registers fn for transitions of AllUp. At least one sink or type must be tracked.
func (t *Tracker) TrackAggregate(fn AggregateHandler) (HandlerID, error) {
	if fn == nil {
		return 0, exception.ErrNilInstance
	}
	if len(t.bySink) == 0 && len(t.byType) == 0 {
		return 0, exception.ErrNothingTracked
	}
	id := t.register(registration{scope: scopeAggregate})
	t.aggregate.add(id, fn)
	return id, nil
}

// Untrack removes a registration. Dropping the last handler of a sink or type also drops it
// from the aggregate.
func (t *Tracker) Untrack(id HandlerID) error {
	reg, ok := t.regs[id]
	if !ok {
		return exception.ErrUnknownHandler
	}
	delete(t.regs, id)

	switch reg.scope {
	case scopeSink:
		if set := t.bySink[reg.sink]; set != nil {
			set.remove(id)
			if set.empty() {
				delete(t.bySink, reg.sink)
			}
		}
	case scopeType:
		if set := t.byType[reg.typ]; set != nil {
			set.remove(id)
			if set.empty() {
				delete(t.byType, reg.typ)
			}
		}
	case scopeAny:
		t.anyChange.remove(id)
	case scopeAggregate:
		t.aggregate.remove(id)
	}

	t.recompute()
	return nil
}

// OnMessage records st when it differs from the previous status of its sink, or is a heartbeat,
// and then calls the sink, type and catch-all handlers in that order. It reports whether the
// record changed.
func (t *Tracker) OnMessage(st schema.ServiceStatus) bool {
	id := st.Sink.ID
	prev, seen := t.records[id]
	if seen && prev.Status == st.Status && st.Status != schema.StatusHeartbeat {
		return false
	}

	if seen && prev.Status.IsUp() {
		t.upByType[prev.Sink.Type]--
	}
	if st.Status.IsUp() {
		t.upByType[st.Sink.Type]++
	}
	t.records[id] = st

	if set := t.bySink[id]; set != nil {
		set.call(st)
	}
	if set := t.byType[st.Sink.Type]; set != nil {
		set.call(st)
	}
	t.anyChange.call(st)

	t.recompute()
	return true
}

// AllUp reports whether every tracked sink and type is currently up.
func (t *Tracker) AllUp() bool {
	return t.allUp
}

// IsTracking reports whether any handler is registered.
func (t *Tracker) IsTracking() bool {
	return len(t.regs) != 0
}

// Status returns the latest recorded status of a sink.
func (t *Tracker) Status(sink schema.SinkID) (schema.ServiceStatus, bool) {
	st, ok := t.records[sink]
	return st, ok
}

func (t *Tracker) register(reg registration) HandlerID {
	t.nextID++
	t.regs[t.nextID] = reg
	return t.nextID
}

func (t *Tracker) computeAllUp() bool {
	for sink := range t.bySink {
		st, ok := t.records[sink]
		if !ok || !st.Status.IsUp() {
			return false
		}
	}
	for typ := range t.byType {
		if t.upByType[typ] == 0 {
			return false
		}
	}
	return true
}

func (t *Tracker) recompute() {
	up := t.computeAllUp()
	if up == t.allUp {
		return
	}
	t.allUp = up
	t.aggregate.call(up)
}
