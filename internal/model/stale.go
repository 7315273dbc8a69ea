package model

import "time"

// StaleCandidate is a previously analyzed package whose result is old enough
// to be re-analyzed. It only lives for the duration of one scan pass.
type StaleCandidate struct {
	Name            string
	LastProcessedAt time.Time
	Failed          bool
}

// StaleQuery selects results finished before Before, or failed results
// finished before FailedBefore.
type StaleQuery struct {
	Before       time.Time
	FailedBefore time.Time
	Limit        int
}
