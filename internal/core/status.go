package core

import (
	"context"
	"fmt"
)

// Status aggregates the task table for the status endpoint.
type Status struct {
	Total    int    `json:"total"`
	Running  int    `json:"running"`
	Wait     int    `json:"wait"`
	Enabled  int    `json:"enabled"`
	Capacity int    `json:"capacity"`
	State    string `json:"state,omitempty"`
	Topology string `json:"topology,omitempty"`
}

// Summarize counts the rows of registry. State and Topology are left for
// the caller to fill in.
func Summarize(ctx context.Context, registry Registry) (Status, error) {
	tasks, err := registry.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list tasks: %w", err)
	}
	st := Status{Total: len(tasks), Capacity: registry.Capacity()}
	for _, t := range tasks {
		if t.Running {
			st.Running++
		}
		if t.Enabled {
			st.Enabled++
		}
	}
	st.Wait = st.Total - st.Running
	return st, nil
}

// Snapshot copies every row of registry in insertion order, as carried by
// CloseEvent.
func Snapshot(ctx context.Context, registry Registry) ([]TaskView, error) {
	tasks, err := registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]TaskView, len(tasks))
	for i, t := range tasks {
		out[i] = *t
	}
	return out, nil
}
