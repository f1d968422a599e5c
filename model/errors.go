package model

import "fmt"

// OutOfBoundsError is returned when a value violates parameter
// bounds.
type OutOfBoundsError struct {
	ID    string
	Index int
	Value float64
	Lower float64
	Upper float64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("parameter %s[%d]=%v is out of bounds [%v, %v]", e.ID, e.Index, e.Value, e.Lower, e.Upper)
}

// WiringError is a model graph construction error. It is never
// expected during a run.
type WiringError struct {
	Source   string
	Listener string
	Reason   string
}

func (e *WiringError) Error() string {
	return fmt.Sprintf("cannot connect %s -> %s: %s", e.Source, e.Listener, e.Reason)
}
