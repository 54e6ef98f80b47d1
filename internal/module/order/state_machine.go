package order

import "fmt"

// StateMachine validates and executes order state transitions.
//
// paid_confirmed may return to pending_payment when the backing invoice turns
// out to have expired, but an order that already reached processing or later
// never regresses.
type StateMachine struct {
	transitions map[Status][]Status
}

// NewStateMachine creates a new order state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[Status][]Status{
			StatusPendingPayment: {StatusPaidConfirmed, StatusCancelled},
			StatusPaidConfirmed:  {StatusProcessing, StatusPendingPayment, StatusCancelled},
			StatusProcessing:     {StatusShipped, StatusCancelled},
			StatusShipped:        {}, // Terminal state
			StatusCancelled:      {}, // Terminal state
		},
	}
}

// CanTransition checks if a transition from `from` to `to` is valid.
func (sm *StateMachine) CanTransition(from, to Status) bool {
	allowed, ok := sm.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition attempts to transition an order to a new state.
func (sm *StateMachine) Transition(order *Order, to Status) error {
	if !sm.CanTransition(order.Status, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, order.Status, to)
	}
	order.Status = to
	return nil
}

// AllowedTransitions returns all allowed transitions from the current state.
func (sm *StateMachine) AllowedTransitions(from Status) []Status {
	allowed, ok := sm.transitions[from]
	if !ok {
		return []Status{}
	}
	result := make([]Status, len(allowed))
	copy(result, allowed)
	return result
}
