package exchange

import (
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/config"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

// Options tunes the claim manager, the completion tracker and the sweeper.
type Options struct {
	BatchSize      int
	MaxAttempts    int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	LockStaleAfter time.Duration
	SweepInterval  time.Duration

	Clock   Clock
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// OptionsFromSettings copies the exchange timings out of the loaded settings.
func OptionsFromSettings(cfg *config.Settings) Options {
	return Options{
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBackoff:   cfg.RetryBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		LockStaleAfter: cfg.LockStaleAfter,
		SweepInterval:  cfg.SweepInterval,
	}
}

func (o *Options) setDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.LockStaleAfter == 0 {
		o.LockStaleAfter = 5 * time.Minute
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
