package ticket

// transitions holds every legal lifecycle edge. FAILED -> PENDING is only taken
// by an explicit reprocess request.
var transitions = map[State][]State{
	StatePending:    {StateProcessing},
	StateProcessing: {StateCompleted, StateFailed},
	StateFailed:     {StatePending},
	StateCompleted:  {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
