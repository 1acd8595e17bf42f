package session

import "fmt"

// GeometryMismatchError means the restore target is smaller than the
// dumped disk in at least one checked geometry dimension. Fatal unless
// size checking is disabled.
type GeometryMismatchError struct {
	Dimension string
	Target    uint32
	Record    uint32
}

func (e *GeometryMismatchError) Error() string {
	return fmt.Sprintf("restore target has %d %s, stream was dumped from a disk with %d",
		e.Target, e.Dimension, e.Record)
}
