package chainsync

import (
	"errors"
	"fmt"
)

var (
	// ErrUninitializedChain is returned when the local chain is empty and no
	// peer can provide blocks.
	ErrUninitializedChain = errors.New("local chain is not initialized and no peer can provide blocks")

	// ErrDiverged is returned when the local chain has no common ancestor
	// with a quorum of the cell. It needs an operator to be resolved.
	ErrDiverged = errors.New("local chain diverged from the cell")

	// ErrInvalidRequest is returned for sync requests that can't be answered.
	ErrInvalidRequest = errors.New("invalid sync request")
)

// FatalError aborts a tick because the local chain can't be trusted to
// continue.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal sync error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal sync error: %s", e.Reason)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err requires resetting the synchronizer.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.Is(err, ErrUninitializedChain) ||
		errors.Is(err, ErrDiverged) ||
		errors.As(err, &fatal)
}
