package engine

import (
	"context"

	"github.com/k3scontainer/k3scontainer/internal/state"
)

// Phase classifies the cluster container.
type Phase int

const (
	// NotCreated means no container with the identity's name exists.
	NotCreated Phase = iota
	// ExistsNotRunning means the container exists in a non-running state.
	ExistsNotRunning
	// Running means the container is running.
	Running
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case ExistsNotRunning:
		return "exists-not-running"
	default:
		return "not-created"
	}
}

// State is the observed runtime state of the cluster container. It is derived
// fresh on every probe.
type State struct {
	Phase Phase
	// Status is the runtime's state string when Phase is ExistsNotRunning.
	Status string
}

// Probe classifies the container named id. Inspect is only issued when the
// container exists but is not running.
func (e *Engine) Probe(ctx context.Context, id state.Identity) (State, error) {
	running, err := e.runtime.ContainerIDs(ctx, id.String(), true)
	if err != nil {
		return State{}, &StepError{Step: StepProbe, Identity: id, Err: err}
	}
	all, err := e.runtime.ContainerIDs(ctx, id.String(), false)
	if err != nil {
		return State{}, &StepError{Step: StepProbe, Identity: id, Err: err}
	}

	switch {
	case len(running) > 0:
		return State{Phase: Running}, nil
	case len(all) > 0:
		status, err := e.runtime.ContainerStatus(ctx, id.String())
		if err != nil {
			return State{}, &StepError{Step: StepProbe, Identity: id, Err: err}
		}
		return State{Phase: ExistsNotRunning, Status: status}, nil
	default:
		return State{Phase: NotCreated}, nil
	}
}
