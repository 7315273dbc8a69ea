package model

import "fmt"

// Priority is the urgency with which a discovered package should be analyzed.
// Higher wins. The numeric weight each level carries on the queue is
// configured on the queue producer, not fixed here.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}
