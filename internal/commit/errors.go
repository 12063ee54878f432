package commit

import "errors"

var (
	// ErrOutOfSync is returned when the local chain moved in a way the
	// commit manager didn't expect, typically because another writer
	// appended a block first. The synchronizer must catch up before the
	// commit manager can run again.
	ErrOutOfSync = errors.New("local chain is out of sync")

	// ErrMyNodeNotFound is returned when the local node is not a chain node
	// of the cell.
	ErrMyNodeNotFound = errors.New("local node is not a chain node of the cell")
)

// IsFatal reports whether err aborts the commit manager's tick.
func IsFatal(err error) bool {
	return errors.Is(err, ErrOutOfSync) || errors.Is(err, ErrMyNodeNotFound)
}
