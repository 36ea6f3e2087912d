package indexer

import (
	"context"
	"sync"
)

// run is one live indexing run: its job ID plus the cancel function that
// tears it down cooperatively.
type run struct {
	jobID  string
	cancel context.CancelFunc
}

// runRegistry tracks live runs by repository key. It is the in-process half
// of the single-job guarantee; the database's partial unique index covers
// other processes sharing the index file.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*run
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*run)}
}

// tryAdd registers a run for the key. If a run is already registered it is
// returned instead and ok is false.
func (r *runRegistry) tryAdd(key string, rn *run) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, found := r.runs[key]; found {
		return existing, false
	}
	r.runs[key] = rn
	return rn, true
}

func (r *runRegistry) get(key string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, found := r.runs[key]
	return rn, found
}

func (r *runRegistry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, key)
}
