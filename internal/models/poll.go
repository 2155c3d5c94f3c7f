package models

import "time"

// PollSchedule decides when a gateway intent is next due for verification:
// Grace after creation for the first attempt, then BackoffBase doubling per
// attempt up to BackoffMax after the last one.
type PollSchedule struct {
	Grace       time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// MaxBackoffDoublings bounds the exponent, in Go and in the store's SQL.
const MaxBackoffDoublings = 30

func (s PollSchedule) NextAttemptAt(p *PaymentIntent) time.Time {
	if p.LastAttemptAt == nil || p.AttemptCount == 0 {
		return p.CreatedAt.Add(s.Grace)
	}
	delay := s.BackoffBase
	for i := 1; i < p.AttemptCount && i <= MaxBackoffDoublings && delay < s.BackoffMax; i++ {
		delay *= 2
	}
	if delay > s.BackoffMax {
		delay = s.BackoffMax
	}
	return p.LastAttemptAt.Add(delay)
}
