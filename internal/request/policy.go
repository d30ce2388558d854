package request

import (
	"fmt"
	"strings"
	"time"

	"controlplane/internal/schema"
	"controlplane/pkg/exception"
)

// Action is what a request does after a response.
type Action uint8

const (
	// ActionContinue keeps waiting and re-arms the response timeout.
	ActionContinue Action = iota
	// ActionRetry resends after the policy's retry delay.
	ActionRetry
	// ActionDone completes the request.
	ActionDone
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRetry:
		return "retry"
	case ActionDone:
		return "done"
	default:
		return "unknown"
	}
}

// ParseAction accepts the names produced by String.
func ParseAction(name string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "continue":
		return ActionContinue, nil
	case "retry":
		return ActionRetry, nil
	case "done":
		return ActionDone, nil
	default:
		return 0, fmt.Errorf("%w: action %q", exception.ErrInvalidArgument, name)
	}
}

// Policy describes how one request type is timed out, retried and completed.
type Policy struct {
	// Timeout is the wait for a response to the first send. Later attempts grow it.
	Timeout time.Duration
	// RetryDelay is the pause before the first resend. Zero resends immediately.
	RetryDelay time.Duration
	Growth     Growth
	// MaxDelay caps grown delays when positive.
	MaxDelay   time.Duration
	MaxRetries int
	Actions    map[schema.ResponseCode]Action
	// Default applies to codes missing from Actions.
	Default Action
}

// DefaultPolicy answers Done/Rejected with completion, Busy with a retry and anything else
// by waiting for more.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    time.Second,
		RetryDelay: 100 * time.Millisecond,
		Growth:     GrowthExponential2,
		MaxDelay:   5 * time.Second,
		MaxRetries: 3,
		Actions: map[schema.ResponseCode]Action{
			schema.ResponseAck:      ActionContinue,
			schema.ResponsePartial:  ActionContinue,
			schema.ResponseDone:     ActionDone,
			schema.ResponseBusy:     ActionRetry,
			schema.ResponseRejected: ActionDone,
		},
		Default: ActionDone,
	}
}

// Validate checks if the policy is usable.
func (p Policy) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("%w: policy Timeout must be > 0", exception.ErrInvalidArgument)
	}
	if p.RetryDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: policy delays must be >= 0", exception.ErrInvalidArgument)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: policy MaxRetries must be >= 0", exception.ErrInvalidArgument)
	}
	if p.Growth > GrowthExponential1_5 {
		return fmt.Errorf("%w: policy growth %d", exception.ErrInvalidArgument, p.Growth)
	}
	return nil
}

// ActionFor returns the configured action for code.
func (p Policy) ActionFor(code schema.ResponseCode) Action {
	if a, ok := p.Actions[code]; ok {
		return a
	}
	return p.Default
}

// ResponseTimeout is the wait after send number attempt, counting the first send as 0.
func (p Policy) ResponseTimeout(attempt int) time.Duration {
	return p.capped(p.Growth.Delay(p.Timeout, attempt))
}

// RetryBackoff is the pause before resend number retry, counting the first resend as 1.
func (p Policy) RetryBackoff(retry int) time.Duration {
	return p.capped(p.Growth.Delay(p.RetryDelay, retry-1))
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// PolicyTable holds the policy of each request type.
type PolicyTable map[schema.RequestType]Policy

// Validate checks every policy in the table.
func (t PolicyTable) Validate() error {
	for typ, p := range t {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("request type %d: %w", typ, err)
		}
	}
	return nil
}
