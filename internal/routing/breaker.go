package routing

import "time"

// breaker is the circuit breaker state machine. It holds no lock of its own;
// the Controller mutex guards every call.
type breaker struct {
	state       BreakerStatus
	errorCount  int
	lastErrorAt *time.Time
	openedAt    *time.Time
	forced      bool
}

// transition records a state change so it can be logged after unlocking.
type transition struct {
	from, to   BreakerStatus
	reason     string
	errorCount int
}

func (b *breaker) transitionTo(to BreakerStatus, now time.Time, reason string) *transition {
	tr := &transition{from: b.state, to: to, reason: reason, errorCount: b.errorCount}
	b.state = to
	if to == BreakerOpen {
		t := now
		b.openedAt = &t
	} else {
		b.openedAt = nil
	}
	return tr
}

// refresh moves an automatically opened breaker to half-open once the
// recovery timeout has elapsed.
func (b *breaker) refresh(now time.Time, recovery time.Duration) *transition {
	if b.state != BreakerOpen || b.forced || b.openedAt == nil {
		return nil
	}
	if now.Sub(*b.openedAt) < recovery {
		return nil
	}
	return b.transitionTo(BreakerHalfOpen, now, "recovery timeout elapsed")
}

// recordError counts an error. Errors older than the window no longer count
// toward the threshold.
func (b *breaker) recordError(now time.Time, threshold int, window time.Duration) *transition {
	if b.lastErrorAt != nil && now.Sub(*b.lastErrorAt) > window {
		b.errorCount = 0
	}
	b.errorCount++
	t := now
	b.lastErrorAt = &t

	switch b.state {
	case BreakerHalfOpen:
		return b.transitionTo(BreakerOpen, now, "error while half-open")
	case BreakerClosed:
		if b.errorCount >= threshold {
			return b.transitionTo(BreakerOpen, now, "error threshold reached")
		}
	}
	return nil
}

// recordSuccess closes a half-open breaker and clears the error count.
func (b *breaker) recordSuccess() *transition {
	if b.state != BreakerHalfOpen {
		return nil
	}
	b.errorCount = 0
	b.lastErrorAt = nil
	return b.transitionTo(BreakerClosed, time.Time{}, "successful execution while half-open")
}

// trip forces the breaker open.
func (b *breaker) trip(now time.Time) *transition {
	b.forced = true
	if b.state == BreakerOpen {
		return nil
	}
	return b.transitionTo(BreakerOpen, now, "tripped manually")
}

// reset closes the breaker and forgets all errors.
func (b *breaker) reset() *transition {
	b.forced = false
	b.errorCount = 0
	b.lastErrorAt = nil
	if b.state == BreakerClosed {
		return nil
	}
	return b.transitionTo(BreakerClosed, time.Time{}, "reset")
}

func (b *breaker) snapshot() BreakerState {
	s := BreakerState{
		State:      b.state,
		ErrorCount: b.errorCount,
		ForcedOpen: b.forced,
	}
	if b.lastErrorAt != nil {
		t := *b.lastErrorAt
		s.LastErrorAt = &t
	}
	if b.openedAt != nil {
		t := *b.openedAt
		s.OpenedAt = &t
	}
	return s
}
