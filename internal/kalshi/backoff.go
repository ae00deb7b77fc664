package kalshi

import (
	"math/rand"
	"time"

	"marketsync/config"
)

// backoffDelay returns the wait before redial attempt n (1-based): Min grown
// by Factor per attempt, capped at Max, then spread by +/- Jitter.
func backoffDelay(cfg config.ReconnectConfig, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := cfg.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := cfg.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	factor := cfg.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if cfg.Jitter <= 0 {
		return wait
	}
	jitter := cfg.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
