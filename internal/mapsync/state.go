package mapsync

import (
	"github.com/OCAP2/worldmap/pkg/core"
)

// Status is the connectivity state of the controller.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

// State is a snapshot of the controller's connectivity.
type State struct {
	Status Status
	// Kind is set only when Status is StatusError.
	Kind ErrorKind
	// Reason is the error that caused the current status, if any.
	Reason error
}

func (s State) String() string {
	if s.Status == StatusError {
		return string(s.Status) + "(" + string(s.Kind) + ")"
	}
	return string(s.Status)
}

// Terminal reports whether the state can only be left through Retry.
func (s State) Terminal() bool {
	return s.Status == StatusError
}

// Writable reports whether mutations are accepted.
func (s State) Writable() bool {
	return s.Status == StatusOnline || s.Status == StatusOffline
}

// Update is delivered to subscribers on every state or data change.
type Update struct {
	State State
	Data  core.MapData
}

// Observer receives controller events. Implementations must not block.
type Observer interface {
	StateChanged(from, to State)
	Mutation(op string, status Status, err error)
}
