package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Registry is the task table shared by the control surface, the dispatcher
// and the executor. Every mutator is atomic for its row; List is consistent
// per row only.
type Registry interface {
	Exists(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string, def TaskDef) error
	Update(ctx context.Context, id string, def TaskDef) error
	Get(ctx context.Context, id string) (*Task, error)
	Delete(ctx context.Context, id string) error
	// List returns every task in insertion order.
	List(ctx context.Context) ([]*Task, error)
	// SetRunning marks the start (true) or end (false) of one execution.
	SetRunning(ctx context.Context, id string, running bool) error
	SetNextRunTime(ctx context.Context, id string, next int64) error
	RecordResult(ctx context.Context, id string, success bool, startTime int64) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Capacity() int
}

// Clock supplies the current instant in the zone schedules are evaluated in.
type Clock struct {
	Now      func() time.Time
	Location *time.Location
}

// Time returns the current instant in c.Location.
func (c Clock) Time() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotDeleted
)

type slot struct {
	// state, id and seq change only under the table write lock.
	state slotState
	id    string
	seq   uint64

	mu     sync.Mutex
	active int
	task   Task
}

// MemoryRegistry is a fixed-capacity, open-addressed table of tasks with one
// lock per slot. Add and Delete take the table lock exclusively; row
// mutators share it and serialize on the slot lock.
type MemoryRegistry struct {
	table    sync.RWMutex
	slots    []slot
	mask     uint64
	capacity int
	count    int
	seq      uint64
	clock    Clock
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry allocates a registry that holds at most capacity tasks.
func NewMemoryRegistry(capacity int, clock Clock) *MemoryRegistry {
	if capacity < 1 {
		capacity = 1
	}
	size := 2
	for size < capacity*2 {
		size <<= 1
	}
	return &MemoryRegistry{
		slots:    make([]slot, size),
		mask:     uint64(size - 1),
		capacity: capacity,
		clock:    clock,
	}
}

func (r *MemoryRegistry) Capacity() int {
	return r.capacity
}

func (r *MemoryRegistry) Exists(ctx context.Context, id string) (bool, error) {
	r.table.RLock()
	defer r.table.RUnlock()
	_, ok := r.find(id)
	return ok, nil
}

func (r *MemoryRegistry) Add(ctx context.Context, id string, def TaskDef) error {
	task, err := NewTask(id, def, r.clock.Time())
	if err != nil {
		return err
	}

	r.table.Lock()
	defer r.table.Unlock()
	if _, ok := r.find(id); ok {
		return ErrAlreadyExists
	}
	if r.count >= r.capacity {
		return ErrCapacityExceeded
	}

	idx := -1
	i := xxhash.Sum64String(id) & r.mask
	for n := 0; n < len(r.slots); n++ {
		s := &r.slots[i]
		if s.state == slotEmpty {
			if idx < 0 {
				idx = int(i)
			}
			break
		}
		if s.state == slotDeleted && idx < 0 {
			idx = int(i)
		}
		i = (i + 1) & r.mask
	}

	r.seq++
	s := &r.slots[idx]
	s.state = slotUsed
	s.id = id
	s.seq = r.seq
	s.active = 0
	s.task = *task
	r.count++
	return nil
}

func (r *MemoryRegistry) Update(ctx context.Context, id string, def TaskDef) error {
	expr, sched, next, err := def.Compile(r.clock.Time())
	if err != nil {
		return err
	}
	return r.withRow(id, func(t *Task, _ *int) {
		t.Command = def.Command
		t.IsLoop = def.IsLoop
		t.CronExpr = expr
		t.Schedule = sched
		t.SingleInstance = def.SingleInstance
		t.NextRunTime = next
	})
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Task, error) {
	var out Task
	err := r.withRow(id, func(t *Task, _ *int) {
		out = *t
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.table.Lock()
	defer r.table.Unlock()
	idx, ok := r.find(id)
	if !ok {
		return ErrNotFound
	}
	s := &r.slots[idx]
	s.state = slotDeleted
	s.id = ""
	s.task = Task{}
	s.active = 0
	r.count--
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*Task, error) {
	type row struct {
		seq  uint64
		task Task
	}
	r.table.RLock()
	rows := make([]row, 0, r.count)
	for i := range r.slots {
		s := &r.slots[i]
		if s.state != slotUsed {
			continue
		}
		s.mu.Lock()
		rows = append(rows, row{seq: s.seq, task: s.task})
		s.mu.Unlock()
	}
	r.table.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]*Task, len(rows))
	for i := range rows {
		out[i] = &rows[i].task
	}
	return out, nil
}

func (r *MemoryRegistry) SetRunning(ctx context.Context, id string, running bool) error {
	return r.withRow(id, func(t *Task, active *int) {
		if running {
			*active++
		} else if *active > 0 {
			*active--
		}
		t.Running = *active > 0
	})
}

func (r *MemoryRegistry) SetNextRunTime(ctx context.Context, id string, next int64) error {
	return r.withRow(id, func(t *Task, _ *int) {
		t.NextRunTime = next
	})
}

func (r *MemoryRegistry) RecordResult(ctx context.Context, id string, success bool, startTime int64) error {
	return r.withRow(id, func(t *Task, _ *int) {
		t.RunCount++
		if success {
			t.SuccessCount++
		} else {
			t.FailCount++
		}
		t.LastRunTime = startTime
	})
}

func (r *MemoryRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.withRow(id, func(t *Task, _ *int) {
		t.Enabled = enabled
	})
}

func (r *MemoryRegistry) withRow(id string, fn func(t *Task, active *int)) error {
	r.table.RLock()
	defer r.table.RUnlock()
	idx, ok := r.find(id)
	if !ok {
		return ErrNotFound
	}
	s := &r.slots[idx]
	s.mu.Lock()
	fn(&s.task, &s.active)
	s.mu.Unlock()
	return nil
}

// find probes from the hashed slot until it reaches the key or an empty slot.
// Callers hold the table lock.
func (r *MemoryRegistry) find(id string) (int, bool) {
	i := xxhash.Sum64String(id) & r.mask
	for n := 0; n < len(r.slots); n++ {
		s := &r.slots[i]
		switch s.state {
		case slotEmpty:
			return -1, false
		case slotUsed:
			if s.id == id {
				return int(i), true
			}
		}
		i = (i + 1) & r.mask
	}
	return -1, false
}
