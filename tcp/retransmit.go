package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retransmitSnapshot is the single outstanding unacknowledged segment a
// TCB may hold, per spec §3's "at most one outstanding snapshot"
// invariant and §9's note to preserve that simplification.
type retransmitSnapshot struct {
	seg     Segment
	payload []byte // copy of the data octets, nil for pure control segments.
	sentAt  time.Time
	retries int
	active  bool
}

// rtoEstimator implements RFC 6298's SRTT/RTTVAR/RTO smoothing. The zero
// value is the "no measurement yet" sentinel state.
type rtoEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	primed bool
	cfg    Config
}

func newRTOEstimator(cfg Config) rtoEstimator {
	return rtoEstimator{rto: cfg.RTOInitial, cfg: cfg}
}

// Sample folds a fresh round-trip measurement into the estimator.
func (e *rtoEstimator) Sample(rtt time.Duration) {
	if !e.primed {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.primed = true
	} else {
		const alpha, beta = 8, 4 // RFC 6298 recommends 1/8 and 1/4.
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = e.rttvar - e.rttvar/beta + diff/beta
		e.srtt = e.srtt - e.srtt/alpha + rtt/alpha
	}
	e.rto = clampDuration(e.srtt+max(4*e.rttvar, time.Millisecond), e.cfg.RTOMin, e.cfg.RTOMax)
}

// Backoff doubles the RTO after a retransmit timeout, clamped to RTOMax.
func (e *rtoEstimator) Backoff() {
	e.rto = clampDuration(2*e.rto, e.cfg.RTOMin, e.cfg.RTOMax)
}

// RTO returns the current retransmit timeout.
func (e *rtoEstimator) RTO() time.Duration { return e.rto }

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// newProbeBackoff returns the zero-window-probe backoff curve, clamped to
// the configured bounds, expressed as a cenkalti/backoff ExponentialBackOff
// rather than a hand-rolled doubling loop.
func newProbeBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ProbeLowerBound
	b.MaxInterval = cfg.ProbeUpperBound
	b.MaxElapsedTime = 0 // the caller drives termination, not the backoff itself.
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
