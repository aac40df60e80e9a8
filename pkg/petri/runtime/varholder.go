package runtime

// VariableHolder is the case data document: a variable scope with an
// optional parent, so sub-net and instance scopes can shadow case scope.
type VariableHolder struct {
	parent         *VariableHolder
	localVariables map[string]any
}

// NewVariableHolder creates a holder with the given parent and local
// variables. When localVariables is nil the parent's variables are copied
// into the new scope.
func NewVariableHolder(parent *VariableHolder, localVariables map[string]any) VariableHolder {
	if localVariables == nil {
		localVariables = make(map[string]any)
		if parent != nil {
			for k, v := range parent.localVariables {
				localVariables[k] = v
			}
		}
	}
	return VariableHolder{
		parent:         parent,
		localVariables: localVariables,
	}
}

func (vh *VariableHolder) Variables() map[string]any {
	return vh.localVariables
}

// Snapshot returns a copy of the local variables, safe to read outside
// the owning case's exclusive section.
func (vh *VariableHolder) Snapshot() map[string]any {
	out := make(map[string]any, len(vh.localVariables))
	for k, v := range vh.localVariables {
		out[k] = v
	}
	return out
}

// Copy returns a holder with its own local variable map.
func (vh *VariableHolder) Copy() VariableHolder {
	return VariableHolder{parent: vh.parent, localVariables: vh.Snapshot()}
}

func (vh *VariableHolder) GetVariable(key string) any {
	if v, ok := vh.localVariables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, val any) {
	if vh.localVariables == nil {
		vh.localVariables = make(map[string]any)
	}
	vh.localVariables[key] = val
}

func (vh *VariableHolder) SetVariables(variables map[string]any) {
	for k, v := range variables {
		vh.SetVariable(k, v)
	}
}

// PropagateVariable sets a value on the parent scope.
func (vh *VariableHolder) PropagateVariable(key string, value any) {
	if vh.parent != nil {
		vh.parent.SetVariable(key, value)
	}
}
