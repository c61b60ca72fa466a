package propagate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsWithinJitterBounds(t *testing.T) {
	p := RetryPolicy{Base: 100 * time.Millisecond, Cap: time.Second, Factor: 2, MaxAttempts: 5}
	cases := []struct {
		attempts int
		full     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
		{5000, time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := p.Backoff(tc.attempts)
			assert.GreaterOrEqual(t, d, tc.full/2, "attempts=%d", tc.attempts)
			assert.LessOrEqual(t, d, tc.full, "attempts=%d", tc.attempts)
		}
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy, p)

	p = RetryPolicy{Base: time.Millisecond, Factor: 0.5}.withDefaults()
	assert.Equal(t, time.Millisecond, p.Base)
	assert.Equal(t, float64(2), p.Factor)
}
