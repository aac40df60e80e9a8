package runtime

import (
	"time"

	"github.com/pbinitiative/zenflow/pkg/petri/model"
)

// CaseState is the lifecycle of one running net instance.
type CaseState string

const (
	CaseStateActive    CaseState = "ACTIVE"
	CaseStateCompleted CaseState = "COMPLETED"
	CaseStateCancelled CaseState = "CANCELLED"
	CaseStateFailed    CaseState = "FAILED"
)

// Case is one running instantiation of a specification's net. A case may
// itself be a sub-case (worklet substitution or composite-task sub-net),
// in which case ParentWorkItemKey points at the suspended parent item.
type Case struct {
	Key            int64                `json:"k"`
	Specification  *model.Specification `json:"-"`
	NetId          string               `json:"n"`
	VariableHolder VariableHolder       `json:"vh,omitempty"`
	State          CaseState            `json:"s"`
	CreatedAt      time.Time            `json:"c"`

	// ParentWorkItemKey is zero for top-level cases.
	ParentWorkItemKey int64 `json:"p,omitempty"`
}

func (c *Case) Net() *model.Net {
	return c.Specification.NetById(c.NetId)
}

func (c *Case) GetVariable(key string) any {
	return c.VariableHolder.GetVariable(key)
}

func (c *Case) SetVariable(key string, value any) {
	c.VariableHolder.SetVariable(key, value)
}

// WorkItemState as per the task lifecycle: Enabled -> Executing ->
// Complete, with Cancelled reachable from Enabled or Executing. No state
// re-enters Enabled.
type WorkItemState string

const (
	WorkItemStateEnabled   WorkItemState = "ENABLED"
	WorkItemStateExecuting WorkItemState = "EXECUTING"
	WorkItemStateComplete  WorkItemState = "COMPLETE"
	WorkItemStateCancelled WorkItemState = "CANCELLED"
)

func (s WorkItemState) IsTerminal() bool {
	return s == WorkItemStateComplete || s == WorkItemStateCancelled
}

// WorkItem is the runtime-visible unit of one task instance. Multi-instance
// firings create several work items sharing one ActivationKey.
type WorkItem struct {
	Key           int64          `json:"k"`
	CaseKey       int64          `json:"ck"`
	TaskId        string         `json:"t"`
	ActivationKey int64          `json:"a"`
	State         WorkItemState  `json:"s"`
	Variables     map[string]any `json:"v,omitempty"`
	CreatedAt     time.Time      `json:"c"`
}

// ActivationState tracks whether an activation still accepts completions
// and (in dynamic mode) new instances.
type ActivationState string

const (
	ActivationStateOpen   ActivationState = "OPEN"
	ActivationStateClosed ActivationState = "CLOSED"
)

// Activation is the explicit per-firing state record for a (possibly
// multi-instance) task: counts, not bookkeeping places, drive the
// threshold logic.
type Activation struct {
	Key     int64  `json:"k"`
	CaseKey int64  `json:"ck"`
	TaskId  string `json:"t"`

	Minimum   int `json:"min"`
	Maximum   int `json:"max"`
	Threshold int `json:"thr"`

	// Created counts all instances ever created for this activation;
	// Completed counts completions. The threshold check compares
	// Completed against Threshold under the owning case's lock.
	Created   int `json:"cr"`
	Completed int `json:"co"`

	State   ActivationState `json:"s"`
	Outputs []any           `json:"o,omitempty"`

	CreatedAt time.Time `json:"c"`
}

// WorkletBinding links a suspended parent work item to the sub-case the
// worklet service launched for it. At most one binding exists per parent
// item at a time.
type WorkletBinding struct {
	ParentWorkItemKey int64     `json:"p"`
	ChildCaseKey      int64     `json:"c"`
	RuleConclusion    string    `json:"r"`
	CreatedAt         time.Time `json:"t"`
}
