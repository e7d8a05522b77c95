package wire

import (
	"encoding/json"
	"fmt"

	"taskcron/internal/core"
	"taskcron/internal/cronspec"
)

type runRequest struct {
	IDList []string `json:"id_list"`
}

// EncodeRunRequest serializes a dispatch batch.
func EncodeRunRequest(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(runRequest{IDList: ids})
}

// DecodeRunRequest parses a dispatch batch.
func DecodeRunRequest(payload []byte) ([]string, error) {
	var req runRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode run request: %w", err)
	}
	return req.IDList, nil
}

type envelope struct {
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params"`
}

type closeParams struct {
	Tasks []core.TaskView `json:"tasks"`
	// More is set on every frame of a split Close except the last.
	More bool `json:"more,omitempty"`
}

type taskStartParams struct {
	ID string `json:"id"`
}

type taskEndParams struct {
	ID          string `json:"id"`
	StartTime   int64  `json:"start_time"`
	EndTime     int64  `json:"end_time"`
	Success     bool   `json:"success"`
	Output      string `json:"output"`
	Duration    string `json:"duration"`
	NextRunTime int64  `json:"next_running_time"`
	ExitCode    int    `json:"exit_code"`
}

type errorParams struct {
	Message string `json:"message"`
}

// RemoteError is an ErrorEvent cause that crossed a process boundary.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// EncodeEvent serializes ev as {"event": name, "params": {...}}. The output
// of a TaskEndEvent is shortened until the payload fits in one frame.
func EncodeEvent(ev core.Event) ([]byte, error) {
	payload, err := encodeEvent(ev)
	if err != nil {
		return nil, err
	}
	end, ok := ev.(core.TaskEndEvent)
	for ok && len(payload) > MaxFrameSize && end.Output != "" {
		end.Output = end.Output[:len(end.Output)/2]
		if payload, err = encodeEvent(end); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// EncodeClose serializes a Close snapshot as one or more frames, each within
// MaxFrameSize. Frames must be delivered in order; EventReader joins them.
func EncodeClose(tasks []core.TaskView) ([][]byte, error) {
	if tasks == nil {
		tasks = []core.TaskView{}
	}
	chunks, err := splitClose(tasks)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		payload, err := encodeClose(chunk, i < len(chunks)-1)
		if err != nil {
			return nil, err
		}
		frames = append(frames, payload)
	}
	return frames, nil
}

// splitClose halves tasks until every part encodes within a frame.
func splitClose(tasks []core.TaskView) ([][]core.TaskView, error) {
	payload, err := encodeClose(tasks, true)
	if err != nil {
		return nil, err
	}
	if len(payload) <= MaxFrameSize {
		return [][]core.TaskView{tasks}, nil
	}
	if len(tasks) == 1 {
		return nil, fmt.Errorf("%w: task %s alone is %d bytes", ErrFrameTooLarge, tasks[0].ID, len(payload))
	}
	mid := len(tasks) / 2
	head, err := splitClose(tasks[:mid])
	if err != nil {
		return nil, err
	}
	tail, err := splitClose(tasks[mid:])
	if err != nil {
		return nil, err
	}
	return append(head, tail...), nil
}

func encodeClose(tasks []core.TaskView, more bool) ([]byte, error) {
	raw, err := json.Marshal(closeParams{Tasks: tasks, More: more})
	if err != nil {
		return nil, fmt.Errorf("encode close params: %w", err)
	}
	return json.Marshal(envelope{Event: core.EventClose, Params: raw})
}

func encodeEvent(ev core.Event) ([]byte, error) {
	var params any
	switch e := ev.(type) {
	case core.StartEvent:
		params = struct{}{}
	case core.CloseEvent:
		tasks := e.Tasks
		if tasks == nil {
			tasks = []core.TaskView{}
		}
		params = closeParams{Tasks: tasks}
	case core.TaskStartEvent:
		params = taskStartParams{ID: e.ID}
	case core.TaskEndEvent:
		params = taskEndParams(e)
	case core.ErrorEvent:
		msg := "unknown error"
		if e.Cause != nil {
			msg = e.Cause.Error()
		}
		params = errorParams{Message: msg}
	default:
		return nil, fmt.Errorf("encode event: unknown event %T", ev)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", ev.Name(), err)
	}
	return json.Marshal(envelope{Event: ev.Name(), Params: raw})
}

// DecodeEvent parses an event envelope. A Close frame yields only the tasks
// it carries; use EventReader for streams that may split Close.
func DecodeEvent(payload []byte) (core.Event, error) {
	ev, _, err := decodeEvent(payload)
	return ev, err
}

// EventReader decodes event frames in arrival order and joins a Close
// snapshot split across frames by EncodeClose.
type EventReader struct {
	pending []core.TaskView
}

// Read decodes one frame. It returns a nil event while a split Close is
// still incomplete.
func (r *EventReader) Read(payload []byte) (core.Event, error) {
	ev, more, err := decodeEvent(payload)
	if err != nil {
		return nil, err
	}
	closing, ok := ev.(core.CloseEvent)
	if !ok {
		return ev, nil
	}
	r.pending = append(r.pending, closing.Tasks...)
	if more {
		return nil, nil
	}
	tasks := r.pending
	r.pending = nil
	if tasks == nil {
		tasks = []core.TaskView{}
	}
	return core.CloseEvent{Tasks: tasks}, nil
}

func decodeEvent(payload []byte) (core.Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false, fmt.Errorf("decode event: %w", err)
	}
	switch env.Event {
	case core.EventStart:
		return core.StartEvent{}, false, nil
	case core.EventClose:
		var p closeParams
		if err := unmarshalParams(env, &p); err != nil {
			return nil, false, err
		}
		for i := range p.Tasks {
			if p.Tasks[i].IsLoop {
				p.Tasks[i].Schedule, _ = cronspec.Parse(p.Tasks[i].CronExpr)
			}
		}
		return core.CloseEvent{Tasks: p.Tasks}, p.More, nil
	case core.EventTaskStart:
		var p taskStartParams
		if err := unmarshalParams(env, &p); err != nil {
			return nil, false, err
		}
		return core.TaskStartEvent{ID: p.ID}, false, nil
	case core.EventTaskEnd:
		var p taskEndParams
		if err := unmarshalParams(env, &p); err != nil {
			return nil, false, err
		}
		return core.TaskEndEvent(p), false, nil
	case core.EventError:
		var p errorParams
		if err := unmarshalParams(env, &p); err != nil {
			return nil, false, err
		}
		return core.ErrorEvent{Cause: &RemoteError{Message: p.Message}}, false, nil
	default:
		return nil, false, fmt.Errorf("decode event: unknown event %q", env.Event)
	}
}

func unmarshalParams(env envelope, v any) error {
	if len(env.Params) == 0 {
		return fmt.Errorf("decode %s: missing params", env.Event)
	}
	if err := json.Unmarshal(env.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", env.Event, err)
	}
	return nil
}
