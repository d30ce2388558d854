package obs

import (
	"sync/atomic"
	"time"

	"controlplane/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "controlplane"

// Metrics exports control plane counters to Prometheus and keeps an in-process snapshot
// of the tracker outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages        *prometheus.CounterVec
	mailboxDrops    *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	requestRetries  *prometheus.CounterVec
	throttleRejects *prometheus.CounterVec
	statusChanges   *prometheus.CounterVec
	allUp           *prometheus.GaugeVec
	lifecycleState  *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	timerPanics     prometheus.Counter

	commandResults [int(schema.ResultTimeout) + 1]uint64
	requestResults [maxOutcome + 1]uint64
	retries        uint64
	throttled      uint64
	mailboxFull    uint64
	mailboxClosed  uint64
	panics         uint64

	commandRoundTrip LatencyStats
}

// RequestOutcome labels how a tracked request finished.
type RequestOutcome uint8

const (
	RequestDone RequestOutcome = iota
	RequestTimeout
	RequestFailed
	maxOutcome = int(RequestFailed)
)

func (o RequestOutcome) String() string {
	switch o {
	case RequestDone:
		return "done"
	case RequestTimeout:
		return "timeout"
	case RequestFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current in-process values.
type Snapshot struct {
	CommandResults   map[schema.ResultType]uint64
	RequestOutcomes  map[RequestOutcome]uint64
	RequestRetries   uint64
	ThrottleRejects  uint64
	MailboxFull      uint64
	MailboxClosed    uint64
	TimerPanics      uint64
	CommandRoundTrip LatencySnapshot
}

// NewMetrics creates the collectors and registers them on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages dispatched by service loops",
		}, []string{"service", "kind"}),
		mailboxDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_drops_total",
			Help:      "Messages refused by a destination mailbox",
		}, []string{"service", "reason"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_completed_total",
			Help:      "Tracked commands completed, by result",
		}, []string{"service", "result"}),
		commandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_round_trip_seconds",
			Help:      "Time from command send to acknowledgement",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"service"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Tracked requests completed, by outcome",
		}, []string{"service", "outcome"}),
		requestRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Request resends after a timeout or retry response",
		}, []string{"service"}),
		throttleRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_rejections_total",
			Help:      "Outbound sends refused by a throttle tracker",
		}, []string{"service", "dest"}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_changes_total",
			Help:      "Service status records updated",
		}, []string{"service"}),
		allUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependencies_up",
			Help:      "1 when every tracked dependency of the service is up",
		}, []string{"service"}),
		lifecycleState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "Current lifecycle state ordinal",
		}, []string{"service"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions by target state and result",
		}, []string{"service", "target", "result"}),
		timerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_task_panics_total",
			Help:      "Timer tasks that panicked",
		}),
	}
}

// ObserveMessage counts a dispatched message.
func (m *Metrics) ObserveMessage(service string, kind schema.MessageKind) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(service, kind.String()).Inc()
}

// IncMailboxFull records a send refused by a full mailbox.
func (m *Metrics) IncMailboxFull(service string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.mailboxFull, 1)
	m.mailboxDrops.WithLabelValues(service, "full").Inc()
}

// IncMailboxClosed records a send to a closed mailbox.
func (m *Metrics) IncMailboxClosed(service string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.mailboxClosed, 1)
	m.mailboxDrops.WithLabelValues(service, "closed").Inc()
}

// ObserveCommand records a completed command and, for acks, its round trip.
func (m *Metrics) ObserveCommand(service string, result schema.ResultType, rtt time.Duration) {
	if m == nil {
		return
	}
	if idx := int(result); idx >= 0 && idx < len(m.commandResults) {
		atomic.AddUint64(&m.commandResults[idx], 1)
	}
	m.commands.WithLabelValues(service, result.String()).Inc()
	if result != schema.ResultTimeout {
		m.commandRoundTrip.Observe(rtt)
		m.commandLatency.WithLabelValues(service).Observe(rtt.Seconds())
	}
}

// ObserveRequest records a completed request.
func (m *Metrics) ObserveRequest(service string, outcome RequestOutcome) {
	if m == nil {
		return
	}
	if idx := int(outcome); idx >= 0 && idx < len(m.requestResults) {
		atomic.AddUint64(&m.requestResults[idx], 1)
	}
	m.requests.WithLabelValues(service, outcome.String()).Inc()
}

// IncRequestRetry records a request resend.
func (m *Metrics) IncRequestRetry(service string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.retries, 1)
	m.requestRetries.WithLabelValues(service).Inc()
}

// IncThrottled records a send refused by the throttle gate.
func (m *Metrics) IncThrottled(service string, dest string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.throttled, 1)
	m.throttleRejects.WithLabelValues(service, dest).Inc()
}

// IncStatusChange records an updated status record.
func (m *Metrics) IncStatusChange(service string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(service).Inc()
}

// SetAllUp publishes the aggregate dependency flag.
func (m *Metrics) SetAllUp(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.allUp.WithLabelValues(service).Set(v)
}

// SetLifecycleState publishes the current lifecycle state ordinal.
func (m *Metrics) SetLifecycleState(service string, state int) {
	if m == nil {
		return
	}
	m.lifecycleState.WithLabelValues(service).Set(float64(state))
}

// ObserveTransition counts a finished lifecycle transition. result is one of
// "ok", "rejected" or "failed".
func (m *Metrics) ObserveTransition(service, target, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(service, target, result).Inc()
}

// IncTimerPanic records a panicking timer task.
func (m *Metrics) IncTimerPanic() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.panics, 1)
	m.timerPanics.Inc()
}

// Snapshot returns a copy of the in-process values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	commands := make(map[schema.ResultType]uint64)
	for i := range m.commandResults {
		if v := atomic.LoadUint64(&m.commandResults[i]); v > 0 {
			commands[schema.ResultType(i)] = v
		}
	}
	requests := make(map[RequestOutcome]uint64)
	for i := range m.requestResults {
		if v := atomic.LoadUint64(&m.requestResults[i]); v > 0 {
			requests[RequestOutcome(i)] = v
		}
	}
	return Snapshot{
		CommandResults:   commands,
		RequestOutcomes:  requests,
		RequestRetries:   atomic.LoadUint64(&m.retries),
		ThrottleRejects:  atomic.LoadUint64(&m.throttled),
		MailboxFull:      atomic.LoadUint64(&m.mailboxFull),
		MailboxClosed:    atomic.LoadUint64(&m.mailboxClosed),
		TimerPanics:      atomic.LoadUint64(&m.panics),
		CommandRoundTrip: m.commandRoundTrip.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
