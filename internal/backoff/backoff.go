// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 to 1.0
}

// Calculator is safe for concurrent use. It owns its RNG so tests can seed it.
type Calculator struct {
	cfg Config
	rng *rand.Rand
	mu  sync.Mutex
}

func NewCalculator(cfg Config) *Calculator {
	return NewCalculatorWithSeed(cfg, time.Now().UnixNano())
}

func NewCalculatorWithSeed(cfg Config, seed int64) *Calculator {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Calculator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the wait before retry number attempt (0-indexed).
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if c.cfg.MaxDelay > 0 && delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}

	if c.cfg.JitterFactor > 0 {
		c.mu.Lock()
		jitter := delay * c.cfg.JitterFactor * (c.rng.Float64()*2 - 1)
		c.mu.Unlock()
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
