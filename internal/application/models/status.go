package models

// Status is the public lifecycle of a document request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCollected  Status = "collected"
)

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusApproved, StatusRejected},
	StatusInProgress: {StatusApproved, StatusRejected},
	StatusApproved:   {StatusCollected},
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCollected:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusCollected
}

// IsDecided reports whether an approve/reject decision has been made.
func (s Status) IsDecided() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCollected
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range statusTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// PaymentStatus is the independent fee axis. It gates approval but is never a
// sub-state of Status.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

func (p PaymentStatus) IsValid() bool {
	switch p {
	case PaymentPending, PaymentCompleted, PaymentFailed:
		return true
	}
	return false
}

func (p PaymentStatus) String() string { return string(p) }
