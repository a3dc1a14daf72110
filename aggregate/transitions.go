package aggregate

// Transitions is the allow-list of an aggregate state machine: for every
// operation name, the source states it accepts and the state it leads to.
type Transitions[S ~string] map[string]map[S]S

// Next resolves the target state of op applied in current. It fails with an
// *InvalidTransitionError when current is not a source state of op.
func (t Transitions[S]) Next(aggregate, id, op string, current S) (S, error) {
	if to, ok := t[op][current]; ok {
		return to, nil
	}
	return current, &InvalidTransitionError{
		Aggregate: aggregate,
		ID:        id,
		State:     string(current),
		Operation: op,
	}
}

// Allowed reports whether op can be applied in current.
func (t Transitions[S]) Allowed(op string, current S) bool {
	_, ok := t[op][current]
	return ok
}
