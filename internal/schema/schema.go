package schema

import (
	"fmt"
	"strings"
)

// SchemaVersion is the current message schema version.
const SchemaVersion uint16 = 1

// SinkID is the numeric identifier of a mailbox.
type SinkID uint32

// ServiceType is the category of the service behind a sink.
type ServiceType uint16

const (
	ServiceTypeUnknown ServiceType = iota
	ServiceTypeOrderGateway
	ServiceTypeMarketData
	ServiceTypeStrategy
	ServiceTypeRisk
	ServiceTypeVenue
	ServiceTypeAdmin
)

var serviceTypeNames = [...]string{
	ServiceTypeUnknown:      "unknown",
	ServiceTypeOrderGateway: "order_gateway",
	ServiceTypeMarketData:   "market_data",
	ServiceTypeStrategy:     "strategy",
	ServiceTypeRisk:         "risk",
	ServiceTypeVenue:        "venue",
	ServiceTypeAdmin:        "admin",
}

func (t ServiceType) String() string {
	if int(t) < len(serviceTypeNames) {
		return serviceTypeNames[t]
	}
	return fmt.Sprintf("service_type(%d)", t)
}

// ParseServiceType resolves a configured category name.
func ParseServiceType(name string) (ServiceType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range serviceTypeNames {
		if n == name && i != int(ServiceTypeUnknown) {
			return ServiceType(i), nil
		}
	}
	return ServiceTypeUnknown, fmt.Errorf("unknown service type: %q", name)
}

// Sink identifies a message destination. Two sinks are equal when their ids are.
type Sink struct {
	ID   SinkID
	Type ServiceType
	Name string
}

// Equal reports whether both references point at the same mailbox.
func (s Sink) Equal(o Sink) bool {
	return s.ID == o.ID
}

func (s Sink) String() string {
	if s.Name == "" {
		return fmt.Sprintf("sink#%d", s.ID)
	}
	return fmt.Sprintf("%s#%d", s.Name, s.ID)
}

// ClientKey correlates one outstanding command or request with its replies.
type ClientKey int32

// SendResult is the outcome of handing a message to a mailbox.
type SendResult uint8

const (
	SendOK SendResult = iota
	SendBackpressure
	SendClosed
	SendUnknownSink
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendBackpressure:
		return "backpressure"
	case SendClosed:
		return "closed"
	case SendUnknownSink:
		return "unknown_sink"
	default:
		return fmt.Sprintf("send_result(%d)", r)
	}
}
