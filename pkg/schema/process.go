package schema

// ProcessDefinition is the immutable template an execution runs. It is
// accepted as YAML or JSON (see ParseDefinition).
type ProcessDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string           `json:"version,omitempty" yaml:"version,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Variables   map[string]any   `json:"variables,omitempty" yaml:"variables,omitempty"`
	ErrorPolicy ErrorPolicy      `json:"error_policy,omitempty" yaml:"error_policy,omitempty"`
	Schedule    string           `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression
}

// StepDefinition describes a single step in a process.
type StepDefinition struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	Kind           StepKind          `json:"kind" yaml:"kind"`
	Params         map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	Inputs         map[string]any    `json:"inputs,omitempty" yaml:"inputs,omitempty"`   // step-local bindings, templates allowed
	Outputs        map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"` // process variable -> jq query over the output
	DependsOn      []StepDependency  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Retry          *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	IgnoreExitCode bool              `json:"ignore_exit_code,omitempty" yaml:"ignore_exit_code,omitempty"`
	NonIdempotent  bool              `json:"non_idempotent,omitempty" yaml:"non_idempotent,omitempty"`
}

// StepKind enumerates the kinds of steps in a process.
type StepKind string

const (
	StepKindCommand   StepKind = "command"
	StepKindFunction  StepKind = "function"
	StepKindAPI       StepKind = "api"
	StepKindCondition StepKind = "condition"
	StepKindLoop      StepKind = "loop"
	StepKindParallel  StepKind = "parallel"
	StepKindVariable  StepKind = "variable"
)

// StepKinds lists every supported kind in a stable order.
var StepKinds = []StepKind{
	StepKindCommand, StepKindFunction, StepKindAPI, StepKindCondition,
	StepKindLoop, StepKindParallel, StepKindVariable,
}

// StepDependency names a predecessor and how it constrains the step.
type StepDependency struct {
	Step string         `json:"step" yaml:"step"`
	Type DependencyType `json:"type,omitempty" yaml:"type,omitempty"` // default: finish-to-start
	Gate DependencyGate `json:"gate,omitempty" yaml:"gate,omitempty"` // default: on-success
}

// DependencyType is the timing relation between predecessor and step.
type DependencyType string

const (
	FinishToStart  DependencyType = "finish-to-start"
	StartToStart   DependencyType = "start-to-start"
	FinishToFinish DependencyType = "finish-to-finish"
)

// DependencyGate decides whether a terminal predecessor satisfies the dependency.
type DependencyGate string

const (
	GateOnSuccess DependencyGate = "on-success"
	GateAlways    DependencyGate = "always"
	GateOnFailure DependencyGate = "on-failure"
)

// EffectiveType returns the dependency type, defaulting to finish-to-start.
func (d StepDependency) EffectiveType() DependencyType {
	if d.Type == "" {
		return FinishToStart
	}
	return d.Type
}

// EffectiveGate returns the gate, defaulting to on-success.
func (d StepDependency) EffectiveGate() DependencyGate {
	if d.Gate == "" {
		return GateOnSuccess
	}
	return d.Gate
}

// ErrorPolicy decides what a failed step does to the rest of the execution.
type ErrorPolicy string

const (
	ErrorPolicyAbortAll ErrorPolicy = "abort-all"
	ErrorPolicyIsolate  ErrorPolicy = "isolate"
)

// EffectiveErrorPolicy returns the policy, defaulting to abort-all.
func (d *ProcessDefinition) EffectiveErrorPolicy() ErrorPolicy {
	if d.ErrorPolicy == "" {
		return ErrorPolicyAbortAll
	}
	return d.ErrorPolicy
}

// Step returns the step with the given id.
func (d *ProcessDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`                                   // retries after the first attempt
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`       // fixed | exponential (default: fixed)
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`           // base delay, e.g. "500ms" (default: 1s)
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap for exponential growth (default: 60s)
}

// Loop modes.
const (
	LoopFor      = "for"
	LoopWhile    = "while"
	LoopForEach  = "foreach"
	LoopCount    = "count"
	LoopParallel = "parallel"
)

// Variable scopes.
const (
	ScopeGlobal  = "global"
	ScopeProcess = "process"
	ScopeStep    = "step"
)

// OwnedSteps returns the ids of the nested steps a container step runs
// itself: loop bodies and parallel branches.
func (s *StepDefinition) OwnedSteps() []string {
	switch s.Kind {
	case StepKindLoop:
		return stringList(s.Params["body"])
	case StepKindParallel:
		return stringList(s.Params["branches"])
	}
	return nil
}

// BranchSteps returns the then/else branch step ids of a condition step.
func (s *StepDefinition) BranchSteps() (then, otherwise []string) {
	if s.Kind != StepKindCondition {
		return nil, nil
	}
	return stringList(s.Params["then"]), stringList(s.Params["else"])
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// AdapterName returns the capability an integration step resolves:
// params.adapter when set, otherwise the default for its kind.
func (s *StepDefinition) AdapterName() string {
	if name, ok := s.Params["adapter"].(string); ok && name != "" {
		return name
	}
	switch s.Kind {
	case StepKindCommand:
		return "command"
	case StepKindAPI:
		return "api"
	case StepKindFunction:
		return "function"
	}
	return ""
}

// LoopMode returns params.mode, inferring foreach from items and count
// from count when the mode is omitted.
func (s *StepDefinition) LoopMode() string {
	if mode, ok := s.Params["mode"].(string); ok && mode != "" {
		return mode
	}
	if _, ok := s.Params["items"]; ok {
		return LoopForEach
	}
	if _, ok := s.Params["count"]; ok {
		return LoopCount
	}
	return ""
}
