package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculator_Delay(t *testing.T) {
	t.Run("grows exponentially without jitter", func(t *testing.T) {
		c := NewCalculator(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

		assert.Equal(t, 100*time.Millisecond, c.Delay(0))
		assert.Equal(t, 200*time.Millisecond, c.Delay(1))
		assert.Equal(t, 400*time.Millisecond, c.Delay(2))
	})

	t.Run("caps at max delay", func(t *testing.T) {
		c := NewCalculator(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2})
		assert.Equal(t, 300*time.Millisecond, c.Delay(10))
	})

	t.Run("negative attempt is treated as first", func(t *testing.T) {
		c := NewCalculator(Config{InitialDelay: 50 * time.Millisecond, Multiplier: 2})
		assert.Equal(t, 50*time.Millisecond, c.Delay(-3))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		c := NewCalculatorWithSeed(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, JitterFactor: 0.2}, 42)
		for i := 0; i < 100; i++ {
			d := c.Delay(0)
			assert.GreaterOrEqual(t, d, 800*time.Millisecond)
			assert.LessOrEqual(t, d, 1200*time.Millisecond)
		}
	})

	t.Run("same seed gives same sequence", func(t *testing.T) {
		cfg := Config{InitialDelay: time.Second, Multiplier: 2, JitterFactor: 0.5}
		a := NewCalculatorWithSeed(cfg, 7)
		b := NewCalculatorWithSeed(cfg, 7)
		for i := 0; i < 5; i++ {
			assert.Equal(t, a.Delay(i), b.Delay(i))
		}
	})
}
