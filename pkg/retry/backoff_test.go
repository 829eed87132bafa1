package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBackoff_GrowsUntilCapped(t *testing.T) {
	b := NewBackoff(BackoffPolicy{
		Min:        250 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	})

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}

	assert.Equal(t, []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
	}, got)
	assert.Equal(t, 6, b.Attempts())
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Min: time.Second, Max: time.Minute, Multiplier: 2})
	b.Next()
	b.Next()
	require.Equal(t, 4*time.Second, b.Current())

	b.Reset()
	assert.Equal(t, time.Second, b.Current())
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_JitterClamped(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Min: time.Second, Max: time.Minute, Multiplier: 1.5, Jitter: 2})
	assert.Less(t, b.Policy().Jitter, 0.5)
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(BackoffPolicy{})
	p := b.Policy()
	assert.Equal(t, 100*time.Millisecond, p.Min)
	assert.Equal(t, p.Min, p.Max)
	assert.Equal(t, 2.0, p.Multiplier)
}

// Delays strictly increase until the cap, whatever the jitter draws are.
func TestBackoff_StrictlyIncreasingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		minDelay := time.Duration(rapid.Int64Range(1, 1000).Draw(t, "min_ms")) * time.Millisecond
		maxDelay := minDelay * time.Duration(rapid.Int64Range(1, 500).Draw(t, "max_factor"))
		policy := BackoffPolicy{
			Min:        minDelay,
			Max:        maxDelay,
			Multiplier: rapid.Float64Range(1.1, 4).Draw(t, "multiplier"),
			Jitter:     rapid.Float64Range(0, 1).Draw(t, "jitter"),
		}
		draws := rapid.SliceOfN(rapid.Float64Range(0, 0.999), 20, 20).Draw(t, "draws")
		i := 0
		b := NewBackoff(policy, WithRandom(func() float64 {
			v := draws[i%len(draws)]
			i++
			return v
		}))

		prev := time.Duration(0)
		for n := 0; n < 20; n++ {
			d := b.Next()
			if d > maxDelay {
				t.Fatalf("delay %v exceeds cap %v", d, maxDelay)
			}
			if prev == maxDelay {
				if d != maxDelay {
					t.Fatalf("delay dropped below cap after reaching it: %v", d)
				}
			} else if d <= prev {
				t.Fatalf("delay %v not greater than previous %v", d, prev)
			}
			prev = d
		}
	})
}

func TestSleep_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, SystemClock(), time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFakeClock_RecordsSleeps(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)

	require.NoError(t, Sleep(context.Background(), clk, 3*time.Second))
	clk.Advance(time.Second)

	assert.Equal(t, start.Add(4*time.Second), clk.Now())
	assert.Equal(t, []time.Duration{3 * time.Second}, clk.Sleeps())
}
