package schema

import "time"

// Workflow is the JSON-serializable workflow format produced by authoring
// tools and consumed by the runner.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Variables   []Variable `json:"variables,omitempty"`
	Steps       []Step     `json:"steps"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
}

// StepType tags the Step union.
type StepType string

const (
	StepTypeAction     StepType = "action"
	StepTypeEvaluation StepType = "evaluation"
)

// Step is one entry of a workflow. Exactly one of Action or Evaluation is set,
// matching Type.
type Step struct {
	ID             string          `json:"step_id"`
	SequenceNumber int             `json:"sequence_number"`
	Type           StepType        `json:"type"`
	Label          string          `json:"label,omitempty"`
	Action         *ActionStep     `json:"action,omitempty"`
	Evaluation     *EvaluationStep `json:"evaluation,omitempty"`
}

// ActionStep calls a tool. ParameterMappings maps tool parameter name to
// variable name; OutputMappings maps tool output name to variable name.
type ActionStep struct {
	ToolRef           string            `json:"tool_ref"`
	ParameterMappings map[string]string `json:"parameter_mappings,omitempty"`
	OutputMappings    map[string]string `json:"output_mappings,omitempty"`
}

// DefaultAction is what an evaluation step does when no condition matches.
type DefaultAction string

const (
	DefaultContinue DefaultAction = "continue"
	DefaultEnd      DefaultAction = "end"
)

// EvaluationStep tests conditions in order and branches on the first match.
type EvaluationStep struct {
	Conditions    []Condition   `json:"conditions,omitempty"`
	DefaultAction DefaultAction `json:"default_action,omitempty"`
	MaximumJumps  int           `json:"maximum_jumps"`
}

// Operator is the fixed comparison vocabulary of conditions.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
)

// Known reports whether op is part of the vocabulary.
func (op Operator) Known() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains:
		return true
	}
	return false
}

// Condition compares the value at VariablePath with Value. A matching
// condition jumps to TargetStepIndex when set.
type Condition struct {
	ID              string   `json:"condition_id"`
	VariablePath    string   `json:"variable_path"`
	Operator        Operator `json:"operator"`
	Value           any      `json:"value"`
	TargetStepIndex *int     `json:"target_step_index,omitempty"`
}

// ToolParameter is one declared input of a tool.
type ToolParameter struct {
	Name     string      `json:"name"`
	Schema   ValueSchema `json:"schema"`
	Required bool        `json:"required"`
	Default  any         `json:"default,omitempty"`
}

// ToolOutput is one declared output of a tool.
type ToolOutput struct {
	Name   string      `json:"name"`
	Schema ValueSchema `json:"schema"`
}

// ToolSignature is owned by the tool registry and read by the engine.
type ToolSignature struct {
	Parameters []ToolParameter `json:"parameters"`
	Outputs    []ToolOutput    `json:"outputs"`
}

// Parameter returns the named parameter.
func (s ToolSignature) Parameter(name string) (ToolParameter, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ToolParameter{}, false
}

// Output returns the named output.
func (s ToolSignature) Output(name string) (ToolOutput, bool) {
	for _, o := range s.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return ToolOutput{}, false
}

// EvaluationVariableName is the name under which an evaluation step stores
// its decision.
func EvaluationVariableName(stepID string) string {
	return "eval_" + stepID
}

// ConditionNone is the condition_met value recorded when no condition matched.
const ConditionNone = "none"

// EvaluationSchema is the declared schema of evaluation variables.
// target_step_index and reason are optional and therefore undeclared.
func EvaluationSchema() ValueSchema {
	return Object(map[string]ValueSchema{
		"condition_met":     Primitive(TypeString),
		"next_action":       Primitive(TypeString),
		"jump_count":        Primitive(TypeNumber),
		"maximum_jumps":     Primitive(TypeNumber),
		"max_jumps_reached": Primitive(TypeBoolean),
	})
}
