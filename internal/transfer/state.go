package transfer

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a transfer.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "inProgress"
	StatePaused     State = "paused"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// edges lists, for every state, the states it may move to.
var edges = map[State][]State{
	StatePending:    {StateInProgress, StatePaused, StateCancelled},
	StateInProgress: {StateComplete, StateFailed, StatePaused, StateCancelled, StatePending},
	StatePaused:     {StatePending, StateInProgress, StateCancelled},
	StateComplete:   nil,
	StateFailed:     nil,
	StateCancelled:  nil,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := edges[s]

	return ok
}

// Terminal reports whether no further automatic transition leaves s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s State) CanTransition(next State) bool {
	return slices.Contains(edges[s], next)
}

func (s State) String() string {
	return string(s)
}

// PauseCause records why a transfer was paused. Only connectivity pauses are
// resumed automatically.
type PauseCause string

const (
	PauseNone             PauseCause = ""
	PauseUserRequested    PauseCause = "userRequested"
	PauseConnectivityLoss PauseCause = "connectivityLoss"
)

// Valid reports whether c is a known cause.
func (c PauseCause) Valid() bool {
	switch c {
	case PauseNone, PauseUserRequested, PauseConnectivityLoss:
		return true
	}

	return false
}

// Direction is the kind of byte movement a transfer performs.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionCopy     Direction = "copy"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionUpload, DirectionDownload, DirectionCopy:
		return true
	}

	return false
}

// Kind distinguishes the transfer variants.
type Kind string

const (
	KindSingle Kind = "single"
	KindBlob   Kind = "blob"
)

// BlockState is the state of a single block of a blob transfer.
type BlockState string

const (
	BlockPending    BlockState = "pending"
	BlockInProgress BlockState = "inProgress"
	BlockComplete   BlockState = "complete"
	BlockFailed     BlockState = "failed"
)

// Valid reports whether s is a known block state.
func (s BlockState) Valid() bool {
	switch s {
	case BlockPending, BlockInProgress, BlockComplete, BlockFailed:
		return true
	}

	return false
}

func illegal(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
