package dispatch

import (
	"time"

	"github.com/zeebo/blake3"
)

// The wrapped clients give no structured liveness signal, so "output changed
// since the last tick" is used as a liveness proxy. A healthy client running
// a long silent query is indistinguishable from a hung one; this is a known
// approximation, kept because the external processes expose nothing better.

type verdict int

const (
	// verdictProgress: output changed, stall clock reset.
	verdictProgress verdict = iota
	// verdictWaiting: output unchanged, still inside the timeout window.
	verdictWaiting
	// verdictStalled: output unchanged for longer than the timeout.
	verdictStalled
)

// stallDetector tracks one in-flight unit's output snapshot and stall clock.
// Snapshots are compared by blake3 digest; digest equality stands in for
// byte-identical output.
type stallDetector struct {
	timeout   time.Duration
	warnAfter []time.Duration

	lastDigest   [32]byte
	lastProgress time.Time // zero until the first unchanged observation
	warned       []bool
}

func newStallDetector(timeout time.Duration, warnAfter []time.Duration) *stallDetector {
	return &stallDetector{
		timeout:    timeout,
		warnAfter:  warnAfter,
		lastDigest: outputDigest(""),
		warned:     make([]bool, len(warnAfter)),
	}
}

func outputDigest(output string) [32]byte {
	return blake3.Sum256([]byte(output))
}

// observe feeds the current output snapshot into the detector. It returns the
// verdict plus any warning checkpoints crossed on this tick.
//
// The stall window runs from the last output change. A unit that has never
// written anything matches the initial empty snapshot; its clock starts at
// the first observation rather than at process launch.
func (s *stallDetector) observe(now time.Time, output string) (verdict, []time.Duration) {
	digest := outputDigest(output)

	if digest != s.lastDigest {
		s.lastDigest = digest
		s.lastProgress = now
		for i := range s.warned {
			s.warned[i] = false
		}
		return verdictProgress, nil
	}

	if s.lastProgress.IsZero() {
		s.lastProgress = now
		return verdictWaiting, nil
	}

	elapsed := now.Sub(s.lastProgress)
	if elapsed > s.timeout {
		return verdictStalled, nil
	}

	var crossed []time.Duration
	for i, mark := range s.warnAfter {
		if !s.warned[i] && elapsed >= mark {
			s.warned[i] = true
			crossed = append(crossed, mark)
		}
	}
	return verdictWaiting, crossed
}
