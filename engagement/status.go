package engagement

// transitions enumerates the legal status edges. Activation (accepted ->
// active) is not caller-initiated: it only happens inside SignContract once
// both signatures are present, so it is listed here but never exposed as an
// action in the authorization matrix.
var transitions = map[Status][]Status{
	StatusProposed: {StatusAccepted, StatusRejected, StatusCanceled},
	StatusAccepted: {StatusActive, StatusCanceled},
	StatusActive:   {StatusFinished, StatusCanceled},
}

// CanTransition reports whether the edge from -> to exists in the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status Status) bool {
	switch status {
	case StatusRejected, StatusCanceled, StatusFinished:
		return true
	default:
		return false
	}
}
