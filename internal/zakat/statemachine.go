package zakat

var transitions = map[Status][]Status{
	StatusDraft:               {StatusSubmitted},
	StatusSubmitted:           {StatusUnderReview, StatusRejected},
	StatusUnderReview:         {StatusPendingDocuments, StatusPendingVerification, StatusApproved, StatusRejected},
	StatusPendingDocuments:    {StatusUnderReview, StatusRejected, StatusClosed},
	StatusPendingVerification: {StatusApproved, StatusRejected, StatusUnderReview},
	StatusApproved:            {StatusDisbursed, StatusClosed},
	StatusRejected:            {StatusClosed},
	StatusDisbursed:           {StatusClosed},
	StatusClosed:              {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the legal targets of a status.
func AllowedTransitions(from Status) []Status {
	out := make([]Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// triageTarget reports whether a masjid admin may move an unclaimed pool
// application to s without claiming it first.
func triageTarget(s Status) bool {
	return s == StatusUnderReview || s == StatusRejected
}
