package ratio

import (
	"context"
	"fmt"
)

// StageFunc executes one stage. It must return a new State and leave its
// input untouched.
type StageFunc func(ctx context.Context, s State) (State, error)

type registeredStage struct {
	run       StageFunc
	successor StageID
}

// Registry is the static edge table of a pipeline variant. It is read-only
// once NewRegistry returns.
type Registry struct {
	entry  StageID
	order  []StageID
	stages map[StageID]registeredStage
}

// StageFactory builds the StageFunc for id given its declared successor.
type StageFactory func(id, successor StageID) StageFunc

// NewRegistry validates path and wires each stage to the next one, the last
// stage to End. The path must be non-empty and visit each stage at most once.
func NewRegistry(path []StageID, factory StageFactory) (*Registry, error) {
	if len(path) == 0 {
		return nil, &ConfigurationError{Reason: "stage path is empty"}
	}
	if factory == nil {
		return nil, &ConfigurationError{Reason: "stage factory is nil"}
	}
	r := &Registry{
		entry:  path[0],
		order:  append([]StageID(nil), path...),
		stages: make(map[StageID]registeredStage, len(path)),
	}
	for i, id := range path {
		if id == End {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("terminal marker at position %d", i)}
		}
		if !id.valid() {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown stage at position %d", i), Stage: id.String()}
		}
		if _, dup := r.stages[id]; dup {
			return nil, &ConfigurationError{Reason: "stage appears twice in path", Stage: id.String()}
		}
		next := End
		if i+1 < len(path) {
			next = path[i+1]
		}
		run := factory(id, next)
		if run == nil {
			return nil, &ConfigurationError{Reason: "factory returned nil stage", Stage: id.String()}
		}
		r.stages[id] = registeredStage{run: run, successor: next}
	}
	return r, nil
}

func (r *Registry) Entry() StageID { return r.entry }

// Path returns the stages in execution order.
func (r *Registry) Path() []StageID { return append([]StageID(nil), r.order...) }

func (r *Registry) Len() int { return len(r.order) }

// Edges returns a copy of the stage -> successor table.
func (r *Registry) Edges() map[StageID]StageID {
	out := make(map[StageID]StageID, len(r.stages))
	for id, st := range r.stages {
		out[id] = st.successor
	}
	return out
}

// Successor returns the declared successor of id.
func (r *Registry) Successor(id StageID) (StageID, bool) {
	st, ok := r.stages[id]
	return st.successor, ok
}

func (r *Registry) lookup(id StageID) (registeredStage, error) {
	st, ok := r.stages[id]
	if !ok {
		return registeredStage{}, &ConfigurationError{Reason: "routed to a stage that is not registered", Stage: id.String()}
	}
	return st, nil
}

// Route returns the state's declared next stage unchanged.
func Route(s State) StageID { return s.CurrentStep }
