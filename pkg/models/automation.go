// Package models defines the core domain models for stage automation, scheduled triggers and webhook delivery.
package models

import "time"

// TriggerType identifies the workflow lifecycle point a WorkflowAction is attached to.
type TriggerType string

const (
	TriggerOnEnterStage TriggerType = "on_enter_stage"
	TriggerOnExitStage  TriggerType = "on_exit_stage"
	TriggerOnTransition TriggerType = "on_transition"
	TriggerCustom       TriggerType = "custom"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerOnEnterStage, TriggerOnExitStage, TriggerOnTransition, TriggerCustom:
		return true
	default:
		return false
	}
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpGT        Operator = "gt"
	OpLT        Operator = "lt"
	OpGTE       Operator = "gte"
	OpLTE       Operator = "lte"
	OpIn        Operator = "in"
)

// Condition is a single predicate over a dotted field path of the payload.
//
// A condition with AnyOf or AllOf set is a group: AnyOf matches when at least one
// member matches, AllOf when every member does. Field, Operator and Value are
// ignored on groups.
type Condition struct {
	Field    string      `json:"field,omitempty"`
	Operator Operator    `json:"operator,omitempty"`
	Value    any         `json:"value,omitempty"`
	AnyOf    []Condition `json:"any_of,omitempty"`
	AllOf    []Condition `json:"all_of,omitempty"`
}

// IsGroup reports whether the condition combines nested conditions.
func (c Condition) IsGroup() bool {
	return len(c.AnyOf) > 0 || len(c.AllOf) > 0
}

// WorkflowAction is a workflow-scoped automation attached to a stage, a transition
// or a custom trigger. Actions are authored by the CRUD layer and only read here.
type WorkflowAction struct {
	ID            string         `json:"id"              db:"id"`
	AccountID     string         `json:"account_id"      db:"account_id"       validate:"required"`
	WorkflowDefID string         `json:"workflow_def_id" db:"workflow_def_id"  validate:"required"`
	Name          string         `json:"name"            db:"name"`
	TriggerType   TriggerType    `json:"trigger_type"    db:"trigger_type"     validate:"required"`
	TriggerRefID  *string        `json:"trigger_ref_id"  db:"trigger_ref_id"`
	ActionType    ActionType     `json:"action_type"     db:"action_type"      validate:"required"`
	ActionConfig  map[string]any `json:"action_config"   db:"-"`
	Conditions    []Condition    `json:"conditions"      db:"-"`
	Position      int            `json:"position"        db:"position"`
	Enabled       bool           `json:"enabled"         db:"enabled"`
	CreatedAt     time.Time      `json:"created_at"      db:"created_at"`
}

// MatchesRef reports whether the action applies to the given trigger reference.
// An action without a reference applies to every reference of its trigger type.
func (a *WorkflowAction) MatchesRef(ref *string) bool {
	if a.TriggerRefID == nil {
		return true
	}

	return ref != nil && *a.TriggerRefID == *ref
}

// Action returns the executable view of the workflow action.
func (a *WorkflowAction) Action() Action {
	return Action{
		ID:     a.ID,
		Name:   a.Name,
		Type:   a.ActionType,
		Config: a.ActionConfig,
	}
}

// AutomationRule is a tenant-scoped automation keyed by a domain event name.
type AutomationRule struct {
	ID           string         `json:"id"            db:"id"`
	AccountID    string         `json:"account_id"    db:"account_id"    validate:"required"`
	Name         string         `json:"name"          db:"name"`
	TriggerEvent string         `json:"trigger_event" db:"trigger_event" validate:"required"`
	ActionType   ActionType     `json:"action_type"   db:"action_type"   validate:"required"`
	ActionConfig map[string]any `json:"action_config" db:"-"`
	Conditions   []Condition    `json:"conditions"    db:"-"`
	Position     int            `json:"position"      db:"position"`
	Enabled      bool           `json:"enabled"       db:"enabled"`
	CreatedAt    time.Time      `json:"created_at"    db:"created_at"`
}

// Action returns the executable view of the rule.
func (r *AutomationRule) Action() Action {
	return Action{
		ID:     r.ID,
		Name:   r.Name,
		Type:   r.ActionType,
		Config: r.ActionConfig,
	}
}

// Action is the unit handed to the executor: a type plus its raw configuration.
type Action struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Type   ActionType     `json:"action_type"`
	Config map[string]any `json:"action_config"`
}
