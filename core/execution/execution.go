package execution

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// State of a single execution within the tree.
type State string

const (
	// StateActive executions are pointing at an activity or waiting.
	StateActive State = "active"
	// StateConcurrent executions are parallel branches under a common parent.
	StateConcurrent State = "concurrent"
	// StateEnded executions are finished and immutable.
	StateEnded State = "ended"
)

var (
	ErrExecutionNotFound = errors.New("execution_not_found")
	ErrExecutionEnded    = errors.New("execution_ended")
	ErrInstanceEnded     = errors.New("instance_ended")
	ErrJoinNotReady      = errors.New("join_not_ready")
)

// Execution is one node of an instance's execution tree. Variables hold the
// node's local scope; lookups fall back to the parent chain.
type Execution struct {
	ID         string         `json:"id"`
	ParentID   string         `json:"parent_id,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	State      State          `json:"state"`
	Variables  map[string]any `json:"variables,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// Instance is a process instance: a business key, a tree of executions rooted
// at RootID, and a version counter bumped on every persisted change.
type Instance struct {
	ID          string                `json:"id"`
	ProcessKey  string                `json:"process_key"`
	BusinessKey string                `json:"business_key,omitempty"`
	RootID      string                `json:"root_id"`
	Executions  map[string]*Execution `json:"executions"`
	Version     int64                 `json:"version"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	EndedAt     *time.Time            `json:"ended_at,omitempty"`
}

// NewInstance creates an instance with a single active root execution.
func NewInstance(processKey, businessKey string) *Instance {
	now := time.Now().UTC()
	root := &Execution{
		ID:        uuid.NewString(),
		State:     StateActive,
		CreatedAt: now,
	}
	return &Instance{
		ID:          uuid.NewString(),
		ProcessKey:  processKey,
		BusinessKey: businessKey,
		RootID:      root.ID,
		Executions:  map[string]*Execution{root.ID: root},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Ended reports whether the whole instance has finished.
func (in *Instance) Ended() bool {
	root, ok := in.Executions[in.RootID]
	return !ok || root.State == StateEnded
}

// Get returns a live execution by ID.
func (in *Instance) Get(id string) (*Execution, error) {
	ex, ok := in.Executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return ex, nil
}

func (in *Instance) getLive(id string) (*Execution, error) {
	ex, err := in.Get(id)
	if err != nil {
		return nil, err
	}
	if ex.State == StateEnded {
		return nil, ErrExecutionEnded
	}
	return ex, nil
}

// CreateChild adds an active child execution under parentID, pointing at
// activityID.
func (in *Instance) CreateChild(parentID, activityID string) (*Execution, error) {
	if in.Ended() {
		return nil, ErrInstanceEnded
	}
	parent, err := in.getLive(parentID)
	if err != nil {
		return nil, err
	}
	child := &Execution{
		ID:         uuid.NewString(),
		ParentID:   parent.ID,
		ActivityID: activityID,
		State:      StateActive,
		CreatedAt:  time.Now().UTC(),
	}
	in.Executions[child.ID] = child
	return child, nil
}

// Fork creates one concurrent child per activity under parentID. The parent
// stays alive as the scope the branches later join back into.
func (in *Instance) Fork(parentID string, activityIDs ...string) ([]*Execution, error) {
	if len(activityIDs) < 2 {
		return nil, errors.New("fork requires at least two activities")
	}
	if in.Ended() {
		return nil, ErrInstanceEnded
	}
	parent, err := in.getLive(parentID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	branches := make([]*Execution, 0, len(activityIDs))
	for _, activityID := range activityIDs {
		branch := &Execution{
			ID:         uuid.NewString(),
			ParentID:   parent.ID,
			ActivityID: activityID,
			State:      StateConcurrent,
			CreatedAt:  now,
		}
		in.Executions[branch.ID] = branch
		branches = append(branches, branch)
	}
	return branches, nil
}

// Join completes a fork: it requires every concurrent child of parentID to
// have ended and returns ErrJoinNotReady otherwise. Callers end each branch
// as it arrives at the join, then call Join from the last one.
func (in *Instance) Join(parentID string) error {
	parent, err := in.getLive(parentID)
	if err != nil {
		return err
	}
	for _, ex := range in.Executions {
		if ex.ParentID == parent.ID && ex.State == StateConcurrent {
			return ErrJoinNotReady
		}
	}
	return nil
}

// End finishes the execution and cascades to every descendant. Ending the
// root ends the instance. Ending an already ended execution is an error.
func (in *Instance) End(id string) error {
	ex, err := in.getLive(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	in.endSubtree(ex, now)
	if id == in.RootID {
		in.EndedAt = &now
	}
	return nil
}

func (in *Instance) endSubtree(ex *Execution, now time.Time) {
	for _, child := range in.Executions {
		if child.ParentID == ex.ID && child.State != StateEnded {
			in.endSubtree(child, now)
		}
	}
	ex.State = StateEnded
	ended := now
	ex.EndedAt = &ended
}

// Descendants returns the IDs of every execution below id, depth-first, in a
// stable order.
func (in *Instance) Descendants(id string) []string {
	children := map[string][]string{}
	for _, ex := range in.Executions {
		if ex.ParentID != "" {
			children[ex.ParentID] = append(children[ex.ParentID], ex.ID)
		}
	}
	for _, ids := range children {
		sort.Strings(ids)
	}
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, child := range children[cur] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(id)
	return out
}

// SetVariable writes a variable into the nearest scope that already declares
// it, walking from the execution outward, so concurrent branches share
// variables declared above their fork point. When no scope declares the name
// it is created locally. It reports whether the name was newly created.
func (in *Instance) SetVariable(execID, name string, value any) (created bool, err error) {
	ex, err := in.getLive(execID)
	if err != nil {
		return false, err
	}
	for cur := ex; cur != nil; {
		if _, ok := cur.Variables[name]; ok {
			cur.Variables[name] = value
			return false, nil
		}
		if cur.ParentID == "" {
			break
		}
		cur = in.Executions[cur.ParentID]
	}
	setLocal(ex, name, value)
	return true, nil
}

// SetVariableLocal writes into the execution's own scope, shadowing any
// declaration further out. It reports whether the name was absent locally.
func (in *Instance) SetVariableLocal(execID, name string, value any) (created bool, err error) {
	ex, err := in.getLive(execID)
	if err != nil {
		return false, err
	}
	_, existed := ex.Variables[name]
	setLocal(ex, name, value)
	return !existed, nil
}

func setLocal(ex *Execution, name string, value any) {
	if ex.Variables == nil {
		ex.Variables = map[string]any{}
	}
	ex.Variables[name] = value
}

// GetVariable resolves a variable from the execution's scope chain, nearest
// scope first.
func (in *Instance) GetVariable(execID, name string) (any, bool, error) {
	ex, err := in.Get(execID)
	if err != nil {
		return nil, false, err
	}
	val, ok := in.lookupVariable(ex, name)
	return val, ok, nil
}

// RemoveVariable deletes a variable from the execution's local scope only. It
// reports whether the name was present there.
func (in *Instance) RemoveVariable(execID, name string) (bool, error) {
	ex, err := in.getLive(execID)
	if err != nil {
		return false, err
	}
	if _, ok := ex.Variables[name]; !ok {
		return false, nil
	}
	delete(ex.Variables, name)
	return true, nil
}

func (in *Instance) lookupVariable(ex *Execution, name string) (any, bool) {
	for ex != nil {
		if val, ok := ex.Variables[name]; ok {
			return val, true
		}
		if ex.ParentID == "" {
			break
		}
		ex = in.Executions[ex.ParentID]
	}
	return nil, false
}

// Scope exposes an execution's visible variables for delegate invocation.
// Reads walk the scope chain; writes follow SetVariable's declaring-scope
// rule.
type Scope struct {
	instance *Instance
	execID   string
}

// ScopeOf returns the variable scope rooted at execID.
func (in *Instance) ScopeOf(execID string) (*Scope, error) {
	if _, err := in.Get(execID); err != nil {
		return nil, err
	}
	return &Scope{instance: in, execID: execID}, nil
}

func (s *Scope) Get(name string) (any, bool) {
	val, ok, err := s.instance.GetVariable(s.execID, name)
	if err != nil {
		return nil, false
	}
	return val, ok
}

func (s *Scope) Set(name string, value any) error {
	_, err := s.instance.SetVariable(s.execID, name, value)
	return err
}

// All flattens the scope chain into one map, nearer scopes shadowing outer
// ones.
func (s *Scope) All() map[string]any {
	var chain []*Execution
	ex := s.instance.Executions[s.execID]
	for ex != nil {
		chain = append(chain, ex)
		if ex.ParentID == "" {
			break
		}
		ex = s.instance.Executions[ex.ParentID]
	}
	out := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Variables {
			out[k] = v
		}
	}
	return out
}
