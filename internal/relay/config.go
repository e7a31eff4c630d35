package relay

import (
	"time"

	"github.com/danmuck/stepwise/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior for failed deliveries.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts drops an entry after that many failed deliveries. Zero
	// retries forever.
	MaxAttempts int
	// PadBlock pads frame payloads to a multiple of this many bytes.
	PadBlock int
	Limits   frame.Limits
	Backoff  BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    64,
		PollInterval: time.Second,
		MaxAttempts:  12,
		PadBlock:     256,
		Limits:       frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}
