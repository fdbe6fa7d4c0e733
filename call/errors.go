package call

import (
	"errors"
	"fmt"
)

var (
	// ErrCallInProgress indicates a start attempt while a session exists.
	ErrCallInProgress = errors.New("call: another call is in progress")
	// ErrNotRinging indicates accept or decline outside the Ringing state.
	ErrNotRinging = errors.New("call: no incoming call to answer")
)

// MediaError reports a device or permission failure while acquiring local
// media. The call attempt is aborted and the session returns to Idle.
type MediaError struct {
	Err error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("call: media acquisition failed: %v", e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// SignalingError reports a peer-connection negotiation failure. The session
// is torn down as if the peer had ended the call.
type SignalingError struct {
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("call: negotiation failed: %v", e.Err)
}

func (e *SignalingError) Unwrap() error {
	return e.Err
}
