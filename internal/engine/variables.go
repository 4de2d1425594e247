package engine

import (
	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// scopedVariableStore implements runtime.VariableStore for a single
// node dispatch, routing reads/writes to one of the three scopes a
// "variable" node can address:
//   - workflow:  the owning Execution's own variable map, execution-local
//   - global:    the engine's GlobalVariableStore, shared per user
//   - temporary: a map scoped to this node's own dispatch, discarded
//     once the node finishes
type scopedVariableStore struct {
	engine *Engine
	exec   *execmodel.Execution
	re     *runningExecution
	nodeID string
}

func (s *scopedVariableStore) Get(scope runtime.VariableScope, key string) (interface{}, bool) {
	switch scope {
	case runtime.VariableScopeGlobal:
		return s.engine.globalVars.Get(s.exec.UserID(), key)
	case runtime.VariableScopeTemporary:
		s.re.mu.Lock()
		defer s.re.mu.Unlock()
		v, ok := s.re.tempVars[s.nodeID][key]
		return v, ok
	default: // workflow
		s.re.mu.Lock()
		defer s.re.mu.Unlock()
		return s.exec.GetVariable(key)
	}
}

func (s *scopedVariableStore) Set(scope runtime.VariableScope, key string, value interface{}) {
	switch scope {
	case runtime.VariableScopeGlobal:
		s.engine.globalVars.Set(s.exec.UserID(), key, value)
	case runtime.VariableScopeTemporary:
		s.re.mu.Lock()
		defer s.re.mu.Unlock()
		if s.re.tempVars[s.nodeID] == nil {
			s.re.tempVars[s.nodeID] = make(map[string]interface{})
		}
		s.re.tempVars[s.nodeID][key] = value
	default: // workflow
		s.re.mu.Lock()
		defer s.re.mu.Unlock()
		s.exec.SetVariable(key, value)
		s.re.scope.Variables[key] = value
	}
}

func (s *scopedVariableStore) Delete(scope runtime.VariableScope, key string) {
	switch scope {
	case runtime.VariableScopeGlobal:
		s.engine.globalVars.Delete(s.exec.UserID(), key)
	case runtime.VariableScopeTemporary:
		s.re.mu.Lock()
		defer s.re.mu.Unlock()
		delete(s.re.tempVars[s.nodeID], key)
	default: // workflow
		s.re.mu.Lock()
		defer s.re.mu.Unlock()
		// Execution has no delete primitive; the key is removed from the
		// variable map its context exposes, so a later GetVariable
		// reports it absent.
		delete(s.exec.Context().Variables, key)
		delete(s.re.scope.Variables, key)
	}
}
