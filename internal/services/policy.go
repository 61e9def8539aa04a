package services

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dealbridge/backend/internal/config"
)

// Window is a policy-bounded countdown length.
type Window struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// Clamp turns a caller hint into a policy duration. A zero or negative
// hint selects the default.
func (w Window) Clamp(hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = w.Default
	}
	if w.Min > 0 && d < w.Min {
		d = w.Min
	}
	if w.Max > 0 && d > w.Max {
		d = w.Max
	}
	return d
}

type Policy struct {
	FinalApproval  Window
	Dispute        Window
	RequiresBridge func(srcNetwork, dstNetwork string) bool
	VersionRetries int
	Now            func() time.Time
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		FinalApproval: Window{
			Default: cfg.FinalApprovalWindow,
			Min:     cfg.FinalApprovalWindowMin,
			Max:     cfg.FinalApprovalWindowMax,
		},
		Dispute: Window{
			Default: cfg.DisputeWindow,
			Min:     cfg.DisputeWindowMin,
			Max:     cfg.DisputeWindowMax,
		},
		RequiresBridge: cfg.RequiresBridge,
		VersionRetries: defaultVersionRetries,
		Now:            time.Now,
	}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

// retryDelay is the wait before the next try once attempts tries have
// already failed: base, doubling per attempt, capped at max.
func retryDelay(base, max time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	wait := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		wait = b.NextBackOff()
	}
	return wait
}
