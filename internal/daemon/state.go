// Package daemon runs the scheduler as a long-lived process: the single and
// multi-process topologies, their workers, the signal loop and the process
// manager behind start, stop, reload and status.
package daemon

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopped is returned for run requests that arrive after shutdown began.
var ErrStopped = errors.New("scheduler is stopping")

// State is the lifecycle phase of a topology.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateReloading
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) get() State  { return State(c.v.Load()) }
func (c *stateCell) set(s State) { c.v.Store(int32(s)) }

// Topology is a runnable arrangement of the scheduler components.
type Topology interface {
	Start(ctx context.Context) error
	// Reload recreates the tick, the control surface and the execution
	// side while keeping the task table.
	Reload(ctx context.Context) error
	// Stop shuts down and emits the Close event exactly once.
	Stop(ctx context.Context) error
	State() State
	// Failed delivers fatal errors raised after Start, such as a control
	// surface that stopped serving.
	Failed() <-chan error
}
