// Package model provides parameters, typed change events and the
// registration table connecting parameters to the models which depend
// on them.
package model

import (
	"fmt"

	"github.com/op/go-logging"
)

// log is the global logging variable.
var log = logging.MustGetLogger("model")

// ChangeType tags a parameter change.
type ChangeType int

const (
	// ValueChanged means one (or all, if index is -1) values changed.
	ValueChanged ChangeType = iota
	// DimensionAdded means a new value was appended.
	DimensionAdded
	// DimensionRemoved means a value was removed.
	DimensionRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ValueChanged:
		return "value"
	case DimensionAdded:
		return "add"
	case DimensionRemoved:
		return "remove"
	}
	return "unknown"
}

// ChangeKind tells listeners what kind of object a model change
// concerns.
type ChangeKind int

const (
	// StateChanged is a generic model change (rates, frequencies).
	StateChanged ChangeKind = iota
	// HeightChanged means a node height changed.
	HeightChanged
	// TopologyChanged means links of a node changed.
	TopologyChanged
	// BranchChanged means a per-branch quantity changed.
	BranchChanged
)

func (k ChangeKind) String() string {
	switch k {
	case StateChanged:
		return "state"
	case HeightChanged:
		return "height"
	case TopologyChanged:
		return "topology"
	case BranchChanged:
		return "branch"
	}
	return "unknown"
}

// Event is a message dispatched by the Bus.
type Event interface {
	// Source returns id of the parameter or model which produced
	// the event.
	Source() string
}

// ParameterChanged is published when a parameter value changes. Index
// is -1 if all values may have changed.
type ParameterChanged struct {
	ID    string
	Index int
	Type  ChangeType
}

// Source returns the parameter id.
func (e ParameterChanged) Source() string {
	return e.ID
}

func (e ParameterChanged) String() string {
	return fmt.Sprintf("ParameterChanged{%s, %d, %v}", e.ID, e.Index, e.Type)
}

// ModelChanged is published by a model. Index is a model specific
// object index (e.g. node index for trees) or -1 for everything.
type ModelChanged struct {
	ID    string
	Kind  ChangeKind
	Index int
	// Cause is the event which triggered this one, if any.
	Cause Event
}

// Source returns the model id.
func (e ModelChanged) Source() string {
	return e.ID
}

func (e ModelChanged) String() string {
	return fmt.Sprintf("ModelChanged{%s, %v, %d}", e.ID, e.Kind, e.Index)
}

// Stateful is implemented by everything supporting the MCMC
// transaction protocol.
type Stateful interface {
	// StoreState is called before a proposal.
	StoreState()
	// RestoreState rolls back to the stored state.
	RestoreState()
	// AcceptState discards the stored state.
	AcceptState()
}

// Model is a node of the dependency graph which reacts to changes of
// its sources.
type Model interface {
	Stateful
	// ID returns a unique model id.
	ID() string
	// HandleParameterChanged is called for parameters the model
	// is connected to.
	HandleParameterChanged(ParameterChanged)
	// HandleModelChanged is called for models the model is
	// connected to.
	HandleModelChanged(ModelChanged)
}

// BusUser is implemented by models which publish their own events.
type BusUser interface {
	SetBus(*Bus)
}
