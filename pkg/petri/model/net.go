package model

// Specification is an immutable, versioned definition of a root net plus
// any composite sub-nets. Loaded once and shared read-only across cases.
type Specification struct {
	Id        string // The ID as defined by the process author
	Name      string
	Version   int32 // incremented when another specification with the same ID is added
	Key       int64 // the engine's key for this specification with version
	RootNetId string
	Nets      []Net
}

func (s *Specification) NetById(netId string) *Net {
	for i := range s.Nets {
		if s.Nets[i].Id == netId {
			return &s.Nets[i]
		}
	}
	return nil
}

func (s *Specification) RootNet() *Net {
	return s.NetById(s.RootNetId)
}

type Net struct {
	Id            string
	Places        []Place
	Tasks         []Task
	InputPlaceId  string // receives the initial token on case launch
	OutputPlaceId string // a token here (with no active work) completes the case
}

func (n *Net) TaskById(taskId string) *Task {
	for i := range n.Tasks {
		if n.Tasks[i].Id == taskId {
			return &n.Tasks[i]
		}
	}
	return nil
}

type Place struct {
	Id   string
	Name string
}

// SplitType determines which output places receive tokens when a task
// completes. A finite tag set, not separate task classes.
type SplitType string

const (
	SplitAnd SplitType = "AND"
	SplitXor SplitType = "XOR"
	SplitOr  SplitType = "OR"
)

// JoinType determines how input tokens are consumed when a task fires.
type JoinType string

const (
	JoinAnd JoinType = "AND"
	JoinXor JoinType = "XOR"
	JoinOr  JoinType = "OR"
)

// Task is a static transition of a net. Atomic tasks are completed by an
// external handler (or substituted by the worklet service); composite
// tasks decompose into the sub-net named by SubNetId.
type Task struct {
	Id   string
	Name string

	Join  JoinType
	Split SplitType

	// Preset lists the input place ids; enablement and consumption follow
	// the Join type.
	Preset []string

	// Flows lists the outgoing flows in evaluation order; the Split type
	// decides which of them produce tokens.
	Flows []Flow

	// HandlerId names the external handler identity this task is
	// dispatched to; the worklet service uses it to decide interception.
	HandlerId string

	// SubNetId is set for composite tasks only.
	SubNetId string

	// InputVars names the case variables copied into a sub-case launched
	// for this task (composite sub-net or worklet substitution). A
	// sub-case never receives the full parent context.
	InputVars []string

	MultiInstance *MultiInstanceAttributes
}

func (t *Task) IsComposite() bool {
	return t.SubNetId != ""
}

func (t *Task) IsMultiInstance() bool {
	return t.MultiInstance != nil
}

// Flow connects a task to one output place, optionally guarded by a
// predicate for XOR/OR splits.
type Flow struct {
	TargetPlaceId string
	Predicate     string // empty means unconditional
	IsDefault     bool   // taken by XOR/OR splits when no predicate holds
	Order         int
}

// DefaultFlow returns the default outgoing flow, or nil when none is
// declared.
func (t *Task) DefaultFlow() *Flow {
	for i := range t.Flows {
		if t.Flows[i].IsDefault {
			return &t.Flows[i]
		}
	}
	return nil
}
