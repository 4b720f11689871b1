// Package stuck implements the observational process-liveness detector.
// It samples an external process's OS-reported state twice and combines
// multiple weak indicators into a stuck score. The result is strictly
// informational: nothing here kills or restarts the monitored process.
package stuck

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnsupported is returned on platforms without the required OS
// introspection facility; callers skip monitoring entirely.
var ErrUnsupported = errors.New("process introspection not supported on this platform")

// DefaultSamplePeriod is the gap between the two samples of one check.
const DefaultSamplePeriod = 5000 * time.Millisecond

// Score thresholds.
const (
	mediumConfidenceScore = 3.5
	highConfidenceScore   = 4.5
)

// Confidence qualifies a "likely stuck" verdict.
type Confidence string

const (
	ConfidenceNone   Confidence = ""
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Indicators are the boolean health signals derived from a sampling
// window. Each contributes a fixed weight to the score.
type Indicators struct {
	Sleeping             bool // process state S
	BlockedOnWait        bool // wait channel is a poll/wait site
	LowCPU               bool // under 1% CPU over the sample
	FewVoluntarySwitches bool // under 10 voluntary context switches
	HasSockets           bool
	HasDataInFlight      bool // any socket with queued bytes
	SynSent              bool // a socket stuck connecting
}

// Score computes the weighted stuck score. Data in flight on any socket
// overrides every other indicator (-2); the result is clamped at 0.
func Score(ind Indicators) float64 {
	score := 0.0
	if ind.Sleeping {
		score++
	}
	if ind.BlockedOnWait {
		score++
	}
	if ind.LowCPU {
		score++
	}
	if ind.FewVoluntarySwitches {
		score++
	}
	if ind.HasSockets && !ind.HasDataInFlight {
		score += 0.5
	}
	if ind.SynSent {
		score++
	}
	if ind.HasDataInFlight {
		score -= 2
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Assessment is the outcome of one check.
type Assessment struct {
	Score        float64
	LikelyStuck  bool
	Confidence   Confidence
	Inconclusive bool
	Indicators   Indicators
}

func assess(ind Indicators) Assessment {
	score := Score(ind)
	a := Assessment{Score: score, Indicators: ind}
	switch {
	case score >= highConfidenceScore:
		a.LikelyStuck = true
		a.Confidence = ConfidenceHigh
	case score >= mediumConfidenceScore:
		a.LikelyStuck = true
		a.Confidence = ConfidenceMedium
	}
	return a
}

// procSample is one reading of a process's OS state.
type procSample struct {
	state             byte   // kernel state letter: R, S, D, Z, ...
	wchan             string // wait channel symbol, "" or "0" when running
	cpuTicks          uint64 // utime + stime
	voluntarySwitches uint64
	sockets           []socketInfo
}

type socketInfo struct {
	txQueue uint64
	rxQueue uint64
	synSent bool
}

// sampler reads a process sample. Platform-specific; see proc_linux.go.
type sampler interface {
	sample(pid int) (*procSample, error)
}

// clockTicksPerSecond is the kernel's USER_HZ. Fixed at 100 on every
// supported platform; reading it via sysconf isn't worth cgo.
const clockTicksPerSecond = 100

// Detector performs on-demand, time-sampled liveness checks.
type Detector struct {
	samplePeriod time.Duration
	sampler      sampler
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewDetector creates a detector for the current platform. Returns
// ErrUnsupported where /proc introspection is unavailable.
func NewDetector(samplePeriod time.Duration) (*Detector, error) {
	s, err := newPlatformSampler()
	if err != nil {
		return nil, err
	}
	if samplePeriod <= 0 {
		samplePeriod = DefaultSamplePeriod
	}
	return &Detector{samplePeriod: samplePeriod, sampler: s, sleep: sleepCtx}, nil
}

// Check samples the process twice, samplePeriod apart, and scores the
// indicators. Read errors (including the process dying mid-sample)
// degrade to an inconclusive assessment, never to "stuck".
func (d *Detector) Check(ctx context.Context, pid int) Assessment {
	first, err := d.sampler.sample(pid)
	if err != nil {
		return Assessment{Inconclusive: true}
	}
	if err := d.sleep(ctx, d.samplePeriod); err != nil {
		return Assessment{Inconclusive: true}
	}
	second, err := d.sampler.sample(pid)
	if err != nil {
		return Assessment{Inconclusive: true}
	}
	return assess(deriveIndicators(first, second, d.samplePeriod))
}

// deriveIndicators turns two samples into the boolean indicator set.
func deriveIndicators(first, second *procSample, period time.Duration) Indicators {
	ind := Indicators{
		Sleeping:      second.state == 'S',
		BlockedOnWait: isWaitChannel(second.wchan),
	}

	tickDelta := float64(second.cpuTicks - first.cpuTicks)
	availableTicks := period.Seconds() * clockTicksPerSecond
	if availableTicks > 0 {
		ind.LowCPU = tickDelta/availableTicks*100 < 1.0
	}

	ind.FewVoluntarySwitches = second.voluntarySwitches-first.voluntarySwitches < 10

	ind.HasSockets = len(second.sockets) > 0
	for _, sock := range second.sockets {
		if sock.txQueue > 0 || sock.rxQueue > 0 {
			ind.HasDataInFlight = true
		}
		if sock.synSent {
			ind.SynSent = true
		}
	}
	return ind
}

// isWaitChannel reports whether a wchan symbol names a poll/wait site.
func isWaitChannel(wchan string) bool {
	return strings.Contains(wchan, "poll") || strings.Contains(wchan, "wait")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
