// Package clock provides an injectable time source so retry backoff,
// rate-limit pacing, and scheduler grace periods can be tested without
// real sleeps.
package clock

import "time"

// Clock abstracts wall-clock time and sleeping.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Real is the production Clock backed by the runtime.
type Real struct{}

func (Real) Now() time.Time                        { return time.Now() }
func (Real) Sleep(d time.Duration)                  { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// System is the shared Real clock instance.
var System Clock = Real{}
