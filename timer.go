package sentinel

import "time"

// timer wraps time.Timer to make it easier to re-use. A zero timer is
// stopped, and its C is nil so it is never selected.
type timer struct {
	*time.Timer
}

func (t *timer) Reset(d time.Duration) {
	if t.Timer == nil {
		t.Timer = time.NewTimer(d)
		return
	}
	t.Stop()
	t.Timer.Reset(d)
}

func (t *timer) Stop() {
	if t.Timer == nil {
		return
	}
	if !t.Timer.Stop() {
		select {
		case <-t.Timer.C:
		default:
		}
	}
}

// Chan returns the timer's channel, or nil if it has never been Reset.
func (t *timer) Chan() <-chan time.Time {
	if t.Timer == nil {
		return nil
	}
	return t.Timer.C
}
