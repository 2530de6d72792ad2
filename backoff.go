package sentinel

import "time"

// Backoff determines how long to wait before retrying after consecutive
// failures. attempt starts at 1 for the first failure.
type Backoff interface {
	Next(attempt int) time.Duration
}

// ConstantBackoff waits the same amount of time after every failure.
type ConstantBackoff time.Duration

// Next implements the method for the Backoff interface.
func (b ConstantBackoff) Next(int) time.Duration {
	return time.Duration(b)
}

// ExponentialBackoff waits Base after the first failure, doubling after each
// subsequent one, but never more than Max. A zero Max means no cap.
type ExponentialBackoff struct {
	Base, Max time.Duration
}

// Next implements the method for the Backoff interface.
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > d<<1 { // overflow
			break
		}
		d <<= 1
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
