package remote

import (
	"errors"
	"fmt"
)

var ErrDelegation = errors.New("delegation failed")

// DelegationError attributes a transport or protocol failure to a specific
// remote agent. It never carries the caller's task state.
type DelegationError struct {
	Agent string
	Err   error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation to %s failed: %v", e.Agent, e.Err)
}

func (e *DelegationError) Unwrap() error {
	return ErrDelegation
}

func delegationErr(agent string, err error) error {
	return &DelegationError{Agent: agent, Err: err}
}
