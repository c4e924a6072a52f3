package model

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusHeldSecure JobStatus = "held_secure"
	StatusPrinting   JobStatus = "printing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusPrinting, StatusCancelled},
	StatusHeldSecure: {StatusPrinting},
	StatusPrinting:   {StatusCompleted, StatusFailed},
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusHeldSecure, StatusPrinting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists the states from which to can be reached.
func Predecessors(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{StatusPending, StatusHeldSecure, StatusPrinting} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}
