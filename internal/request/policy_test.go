package request

import (
	"math"
	"testing"
	"time"

	"controlplane/internal/schema"
	"controlplane/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrowthDelay(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, base, GrowthConstant.Delay(base, attempt))
	}
	assert.Equal(t, 100*time.Millisecond, GrowthExponential2.Delay(base, 0))
	assert.Equal(t, 400*time.Millisecond, GrowthExponential2.Delay(base, 2))
	assert.Equal(t, 225*time.Millisecond, GrowthExponential1_5.Delay(base, 2))

	assert.Equal(t, time.Duration(math.MaxInt64), GrowthExponential2.Delay(base, 200))
	assert.Zero(t, GrowthExponential2.Delay(0, 3))
}

func TestGrowthMonotonic(t *testing.T) {
	for _, g := range []Growth{GrowthConstant, GrowthExponential2, GrowthExponential1_5} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 80; attempt++ {
			d := g.Delay(7*time.Millisecond, attempt)
			require.GreaterOrEqual(t, d, prev, "%s attempt %d", g, attempt)
			prev = d
		}
	}
}

func TestParseGrowth(t *testing.T) {
	for _, g := range []Growth{GrowthConstant, GrowthExponential2, GrowthExponential1_5} {
		parsed, err := ParseGrowth(g.String())
		require.NoError(t, err)
		assert.Equal(t, g, parsed)
	}
	_, err := ParseGrowth("linear")
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestPolicyDelays(t *testing.T) {
	p := Policy{
		Timeout:    100 * time.Millisecond,
		RetryDelay: 50 * time.Millisecond,
		Growth:     GrowthExponential2,
		MaxDelay:   300 * time.Millisecond,
	}
	assert.Equal(t, 100*time.Millisecond, p.ResponseTimeout(0))
	assert.Equal(t, 200*time.Millisecond, p.ResponseTimeout(1))
	assert.Equal(t, 300*time.Millisecond, p.ResponseTimeout(2))

	assert.Equal(t, 50*time.Millisecond, p.RetryBackoff(1))
	assert.Equal(t, 100*time.Millisecond, p.RetryBackoff(2))
	assert.Equal(t, 300*time.Millisecond, p.RetryBackoff(5))
}

func TestPolicyActionFor(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, ActionContinue, p.ActionFor(schema.ResponseAck))
	assert.Equal(t, ActionRetry, p.ActionFor(schema.ResponseBusy))
	assert.Equal(t, ActionDone, p.ActionFor(schema.ResponseDone))
	assert.Equal(t, ActionDone, p.ActionFor(schema.ResponseCode(999)))
	require.NoError(t, p.Validate())
}

func TestPolicyValidate(t *testing.T) {
	assert.ErrorIs(t, Policy{}.Validate(), exception.ErrInvalidArgument)
	assert.ErrorIs(t, Policy{Timeout: time.Second, MaxRetries: -1}.Validate(), exception.ErrInvalidArgument)
	assert.ErrorIs(t, Policy{Timeout: time.Second, RetryDelay: -1}.Validate(), exception.ErrInvalidArgument)

	table := PolicyTable{1: DefaultPolicy(), 2: {}}
	assert.ErrorIs(t, table.Validate(), exception.ErrInvalidArgument)
}

func TestParseAction(t *testing.T) {
	for _, a := range []Action{ActionContinue, ActionRetry, ActionDone} {
		parsed, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	_, err := ParseAction("maybe")
	assert.Error(t, err)
}
