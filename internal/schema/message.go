package schema

import "time"

// MessageKind tags the variants of Message.
type MessageKind uint16

const (
	KindUnknown MessageKind = iota
	KindCommand
	KindCommandAck
	KindRequest
	KindResponse
	KindTimerEvent
	KindServiceStatus
	KindCall
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	KindCommand:       "command",
	KindCommandAck:    "command_ack",
	KindRequest:       "request",
	KindResponse:      "response",
	KindTimerEvent:    "timer_event",
	KindServiceStatus: "service_status",
	KindCall:          "call",
}

func (k MessageKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Message is the closed set of values carried by mailboxes.
// The unexported marker keeps the set of variants inside this package.
type Message interface {
	Kind() MessageKind
	message()
}

// CommandType and RequestType select venue-side handling and tracker policy.
type (
	CommandType  uint16
	RequestType  uint16
	ResponseCode uint16
	RejectReason uint16
)

// ResultType is the outcome carried by a command acknowledgement.
type ResultType uint8

const (
	ResultOK ResultType = iota
	ResultRejected
	// ResultTimeout is synthesized locally and never sent over the wire.
	ResultTimeout
)

func (r ResultType) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultRejected:
		return "rejected"
	case ResultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Response codes understood by the default request policies.
const (
	ResponseUnknown ResponseCode = iota
	ResponseAck
	ResponsePartial
	ResponseDone
	ResponseBusy
	ResponseRejected
)

// StatusType is the health state reported for a sink.
type StatusType uint8

const (
	StatusUnknown StatusType = iota
	StatusUp
	StatusDown
	StatusHeartbeat
	StatusWarmup
	StatusRecovery
)

func (s StatusType) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	case StatusHeartbeat:
		return "heartbeat"
	case StatusWarmup:
		return "warmup"
	case StatusRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// IsUp reports whether the status counts toward an "all up" aggregate.
func (s StatusType) IsUp() bool {
	return s == StatusUp || s == StatusHeartbeat
}

// TimerKind identifies which tracker deadline a TimerEvent belongs to.
type TimerKind uint8

const (
	TimerUnknown TimerKind = iota
	TimerCommandTimeout
	TimerRequestTimeout
	TimerRequestRetry
)

func (k TimerKind) String() string {
	switch k {
	case TimerCommandTimeout:
		return "command_timeout"
	case TimerRequestTimeout:
		return "request_timeout"
	case TimerRequestRetry:
		return "request_retry"
	default:
		return "unknown"
	}
}

// Command is a single round-trip instruction answered by one CommandAck.
type Command struct {
	ClientKey ClientKey
	Type      CommandType
	// Timeout overrides the tracker default when positive.
	Timeout time.Duration
	Payload []byte
}

// CommandAck answers a Command.
type CommandAck struct {
	ClientKey    ClientKey
	Result       ResultType
	RejectReason RejectReason
}

// Request may be answered by zero or more Responses and may be retried.
type Request struct {
	ClientKey ClientKey
	Type      RequestType
	Payload   []byte
}

// Response answers a Request.
type Response struct {
	ClientKey ClientKey
	Type      RequestType
	Code      ResponseCode
	Payload   []byte
}

// TimerEvent is posted by timer callbacks into the owning mailbox.
// Seq is the generation of the tracker context that armed the timer.
type TimerEvent struct {
	Timer     TimerKind
	ClientKey ClientKey
	Seq       uint64
}

// ServiceStatus reports the health of Sink as seen by Origin.
type ServiceStatus struct {
	SystemID uint32
	Origin   SinkID
	Sink     Sink
	Status   StatusType
	TsEvent  int64
	TsRecv   int64
}

// Call runs Fn on the receiving service's loop.
type Call struct {
	Fn func()
}

func (Command) Kind() MessageKind       { return KindCommand }
func (CommandAck) Kind() MessageKind    { return KindCommandAck }
func (Request) Kind() MessageKind       { return KindRequest }
func (Response) Kind() MessageKind      { return KindResponse }
func (TimerEvent) Kind() MessageKind    { return KindTimerEvent }
func (ServiceStatus) Kind() MessageKind { return KindServiceStatus }
func (Call) Kind() MessageKind          { return KindCall }

func (Command) message()       {}
func (CommandAck) message()    {}
func (Request) message()       {}
func (Response) message()      {}
func (TimerEvent) message()    {}
func (ServiceStatus) message() {}
func (Call) message()          {}
