package og

import (
	"controlplane/internal/schema"
	"controlplane/pkg/exception"

	"github.com/yanun0323/errors"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = exception.ErrUnknownKey
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// OrderState tracks the lifecycle of an order as seen by the gateway.
type OrderState uint16

const (
	OrderStateUnknown OrderState = iota
	OrderStateSent
	OrderStateAcked
	OrderStateRejected
	OrderStateTimedOut
	OrderStateFailed
)

func (s OrderState) String() string {
	switch s {
	case OrderStateSent:
		return "sent"
	case OrderStateAcked:
		return "acked"
	case OrderStateRejected:
		return "rejected"
	case OrderStateTimedOut:
		return "timed_out"
	case OrderStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Order holds the gateway's view of an order.
type Order struct {
	Key          schema.ClientKey
	Venue        schema.Sink
	Type         schema.CommandType
	State        OrderState
	RejectReason schema.RejectReason
	SentNs       int64
	DoneNs       int64
}

// StateMachine updates orders from sends, acks and delivery failures.
type StateMachine struct {
	orders map[schema.ClientKey]*Order
	counts map[OrderState]int
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		orders: make(map[schema.ClientKey]*Order),
		counts: make(map[OrderState]int),
	}
}

// Order returns the current order state.
func (m *StateMachine) Order(key schema.ClientKey) (*Order, bool) {
	o, ok := m.orders[key]
	return o, ok
}

// Count returns how many orders are in state.
func (m *StateMachine) Count(state OrderState) int {
	return m.counts[state]
}

// Len returns the number of known orders.
func (m *StateMachine) Len() int {
	return len(m.orders)
}

// ApplySend creates a new order in Sent state.
func (m *StateMachine) ApplySend(key schema.ClientKey, venue schema.Sink, typ schema.CommandType, nowNs int64) (*Order, error) {
	if _, ok := m.orders[key]; ok {
		return nil, ErrDuplicateOrder
	}
	o := &Order{
		Key:    key,
		Venue:  venue,
		Type:   typ,
		State:  OrderStateSent,
		SentNs: nowNs,
	}
	m.orders[key] = o
	m.counts[OrderStateSent]++
	return o, nil
}

// ApplyAck moves a sent order to its acknowledged state.
func (m *StateMachine) ApplyAck(ack schema.CommandAck, nowNs int64) (*Order, error) {
	o, ok := m.orders[ack.ClientKey]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if isTerminal(o.State) {
		return o, ErrInvalidTransition
	}

	switch ack.Result {
	case schema.ResultOK:
		m.move(o, OrderStateAcked)
	case schema.ResultRejected:
		o.RejectReason = ack.RejectReason
		m.move(o, OrderStateRejected)
	case schema.ResultTimeout:
		m.move(o, OrderStateTimedOut)
	default:
		m.move(o, OrderStateUnknown)
	}
	o.DoneNs = nowNs
	return o, nil
}

// ApplyFailure marks an order whose delivery failed.
func (m *StateMachine) ApplyFailure(key schema.ClientKey, nowNs int64) (*Order, error) {
	o, ok := m.orders[key]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if isTerminal(o.State) {
		return o, ErrInvalidTransition
	}
	m.move(o, OrderStateFailed)
	o.DoneNs = nowNs
	return o, nil
}

func (m *StateMachine) move(o *Order, to OrderState) {
	m.counts[o.State]--
	o.State = to
	m.counts[to]++
}

func isTerminal(state OrderState) bool {
	switch state {
	case OrderStateAcked, OrderStateRejected, OrderStateTimedOut, OrderStateFailed:
		return true
	default:
		return false
	}
}
