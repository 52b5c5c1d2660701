package call

import "errors"

var (
	ErrAlreadyInCall  = errors.New("call: already in a call")
	ErrNoIncomingCall = errors.New("call: no incoming call")
	ErrNotInCall      = errors.New("call: not in a call")
	ErrInvalidTarget  = errors.New("call: invalid target")
	ErrManagerClosed  = errors.New("call: manager closed")
)
