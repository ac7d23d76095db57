package server

import (
	"sort"
	"sync"
	"time"
)

// Running describes an execution that has not finished yet.
type Running struct {
	ID         string    `json:"execution_id"`
	Function   string    `json:"function_name"`
	ModuleSize int       `json:"module_size"`
	Started    time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`
}

// Inflight tracks executions between Begin and End.
type Inflight struct {
	mu      sync.RWMutex
	running map[string]Running
}

// NewInflight creates an empty tracker.
func NewInflight() *Inflight {
	return &Inflight{
		running: make(map[string]Running),
	}
}

// Begin registers r under its id.
func (f *Inflight) Begin(r Running) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[r.ID] = r
}

// End forgets id. Ending an unknown id is a no-op.
func (f *Inflight) End(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
}

// Get returns the running execution with the given id.
func (f *Inflight) Get(id string) (Running, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.running[id]
	return r, ok
}

// List returns running executions, oldest first.
func (f *Inflight) List() []Running {
	f.mu.RLock()
	out := make([]Running, 0, len(f.running))
	for _, r := range f.running {
		out = append(out, r)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Count returns the number of running executions.
func (f *Inflight) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.running)
}
