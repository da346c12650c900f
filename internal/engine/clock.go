package engine

import (
	"math"
	"time"

	"github.com/wrale/authflow/internal/autherr"
)

// clock is the caller-supplied logical time of one context.
type clock struct {
	nowMs int64
	set   bool
}

// advance moves the clock to nowMs. Time never moves backwards.
func (c *clock) advance(nowMs int64) *autherr.Error {
	if c.set && nowMs < c.nowMs {
		return autherr.Newf(autherr.KindInternal, autherr.CodeClockRegression,
			"tick %d is before last observed time %d", nowMs, c.nowMs)
	}
	c.nowMs = nowMs
	c.set = true
	return nil
}

// now returns the last observed time, or zero before the first tick.
func (c *clock) now() int64 {
	return c.nowMs
}

func (c *clock) time() time.Time {
	return time.UnixMilli(c.nowMs)
}

// waitSeconds rounds a remaining duration in milliseconds up to whole
// seconds. Non-positive input means no wait.
func waitSeconds(remainingMs int64) int64 {
	if remainingMs <= 0 {
		return 0
	}
	return (remainingMs + 999) / 1000
}

// addMs adds a non-negative duration to a timestamp, saturating at
// math.MaxInt64.
func addMs(at, ms int64) int64 {
	if ms > 0 && at > math.MaxInt64-ms {
		return math.MaxInt64
	}
	return at + ms
}
