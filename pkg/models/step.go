package models

// StepType is the closed set of workflow step kinds.
type StepType string

const (
	StepTypeTrigger   StepType = "trigger"
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeDelay     StepType = "delay"
)

// StepTypes lists every step type the engine can execute.
var StepTypes = []StepType{StepTypeTrigger, StepTypeAction, StepTypeCondition, StepTypeDelay}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}

	return false
}

// ActionType discriminates the side effect of an action step.
type ActionType string

// Built-in action types.
const (
	ActionTypeTagContact  ActionType = "tag_contact"
	ActionTypeUpdateField ActionType = "update_field"
	ActionTypeSendEmail   ActionType = "send_email"
	ActionTypeWebhook     ActionType = "webhook"
	ActionTypeLog         ActionType = "log"
)

// Branch handles produced by condition steps.
const (
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleDefault = "default"
)

// Step is a node in the workflow graph.
type Step struct {
	ID         string         `json:"id"                    validate:"required"`
	Name       string         `json:"name"`
	Type       StepType       `json:"type"                  validate:"required,oneof=trigger action condition delay"`
	ActionType ActionType     `json:"action_type,omitempty" validate:"required_if=Type action"`
	Config     map[string]any `json:"config"`
	PositionX  int            `json:"position_x"`
	PositionY  int            `json:"position_y"`
}

// IsTrigger reports whether the step is a trigger step.
func (s *Step) IsTrigger() bool {
	return s.Type == StepTypeTrigger
}

// Connection is a directed, optionally guarded edge between two steps.
type Connection struct {
	ID           string `json:"id"`
	SourceStepID string `json:"source_step_id"          validate:"required"`
	TargetStepID string `json:"target_step_id"          validate:"required"`
	// SourceHandle selects which branch of the source step this edge follows.
	// Empty matches steps that do not branch.
	SourceHandle string `json:"source_handle,omitempty"`
	// Condition is an optional guard evaluated against the enrollment metadata.
	Condition map[string]any `json:"condition_config,omitempty"`
}
