package reservation

import "fmt"

// reservationState implements the state pattern for reservation lifecycle transitions.
// Each hook returns the next state and whether anything changed.
type reservationState interface {
	Status() State
	OnCommit(r *Reservation, orderID string) (reservationState, bool, error)
	OnRelease(r *Reservation) (reservationState, bool, error)
	OnExpire(r *Reservation) (reservationState, bool, error)
}

func stateOf(s State) (reservationState, error) {
	switch s {
	case StateHeld:
		return heldState{}, nil
	case StateCommitted:
		return committedState{}, nil
	case StateReleased:
		return releasedState{}, nil
	case StateExpired:
		return expiredState{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidState, s)
	}
}

type heldState struct{}

func (heldState) Status() State { return StateHeld }

func (heldState) OnCommit(r *Reservation, orderID string) (reservationState, bool, error) {
	if orderID == "" {
		return nil, false, fmt.Errorf("%w: order id is required", ErrInvalidState)
	}
	r.OrderID = orderID
	return committedState{}, true, nil
}

func (heldState) OnRelease(*Reservation) (reservationState, bool, error) {
	return releasedState{}, true, nil
}

func (heldState) OnExpire(*Reservation) (reservationState, bool, error) {
	return expiredState{}, true, nil
}

type committedState struct{}

func (committedState) Status() State { return StateCommitted }

func (committedState) OnCommit(*Reservation, string) (reservationState, bool, error) {
	return committedState{}, false, nil
}

func (committedState) OnRelease(*Reservation) (reservationState, bool, error) {
	return committedState{}, false, nil
}

func (committedState) OnExpire(*Reservation) (reservationState, bool, error) {
	return committedState{}, false, nil
}

type releasedState struct{}

func (releasedState) Status() State { return StateReleased }

func (releasedState) OnCommit(*Reservation, string) (reservationState, bool, error) {
	return nil, false, ErrInvalidState
}

func (releasedState) OnRelease(*Reservation) (reservationState, bool, error) {
	return releasedState{}, false, nil
}

func (releasedState) OnExpire(*Reservation) (reservationState, bool, error) {
	return releasedState{}, false, nil
}

type expiredState struct{}

func (expiredState) Status() State { return StateExpired }

func (expiredState) OnCommit(*Reservation, string) (reservationState, bool, error) {
	return nil, false, ErrInvalidState
}

func (expiredState) OnRelease(*Reservation) (reservationState, bool, error) {
	return expiredState{}, false, nil
}

func (expiredState) OnExpire(*Reservation) (reservationState, bool, error) {
	return expiredState{}, false, nil
}
