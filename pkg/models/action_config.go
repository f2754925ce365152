package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ActionType names what an action does. Types outside the built-in set are
// resolved as tenant extension slugs.
type ActionType string

const (
	ActionWebhook          ActionType = "webhook"
	ActionUpdateField      ActionType = "update_field"
	ActionEmitEvent        ActionType = "emit_event"
	ActionAIPrompt         ActionType = "ai_prompt"
	ActionCreateEntity     ActionType = "create_entity"
	ActionSendNotification ActionType = "send_notification"
	ActionScheduleTimer    ActionType = "schedule_timer"
)

// IsBuiltin reports whether t is handled natively rather than by an extension.
func (t ActionType) IsBuiltin() bool {
	switch t {
	case ActionWebhook, ActionUpdateField, ActionEmitEvent, ActionAIPrompt,
		ActionCreateEntity, ActionSendNotification, ActionScheduleTimer:
		return true
	default:
		return false
	}
}

// ErrInvalidActionConfig is returned when an action configuration cannot be decoded or validated.
var ErrInvalidActionConfig = errors.New("invalid action configuration")

// ActionConfig is the decoded, typed configuration of one action type.
type ActionConfig interface {
	ActionType() ActionType
}

// WebhookConfig posts the payload, or a rendered body, to an external URL.
//
// BodyTemplate is either a string, interpolated after serialization, or a JSON
// object whose string leaves are interpolated before serialization.
type WebhookConfig struct {
	URL          string            `json:"url"                     validate:"required"`
	Method       string            `json:"method,omitempty"        validate:"omitempty,oneof=POST PUT PATCH"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate any               `json:"body_template,omitempty"`
}

func (WebhookConfig) ActionType() ActionType { return ActionWebhook }

// UpdateFieldConfig writes a single field on a single entity.
type UpdateFieldConfig struct {
	Table    string `json:"table"               validate:"required"`
	Field    string `json:"field"               validate:"required"`
	Value    any    `json:"value"`
	EntityID string `json:"entity_id,omitempty"`
}

func (UpdateFieldConfig) ActionType() ActionType { return ActionUpdateField }

// EmitEventConfig appends a domain event to the outbox.
type EmitEventConfig struct {
	EventType  string         `json:"event_type"            validate:"required"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (EmitEventConfig) ActionType() ActionType { return ActionEmitEvent }

// ResultAction copies one value out of an AI result into an entity field.
type ResultAction struct {
	Source string `json:"source" validate:"required"`
	Field  string `json:"field"  validate:"required"`
}

// AIPromptConfig asks the completion endpoint and stores the answer on an entity.
type AIPromptConfig struct {
	Model          string         `json:"model,omitempty"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	UserPrompt     string         `json:"user_prompt"               validate:"required"`
	Table          string         `json:"table"                     validate:"required"`
	EntityID       string         `json:"entity_id,omitempty"`
	MetadataPath   string         `json:"metadata_path"             validate:"required"`
	ResponseSchema map[string]any `json:"response_schema,omitempty"`
	ResultActions  []ResultAction `json:"result_actions,omitempty"  validate:"dive"`
	MaxTokens      int            `json:"max_tokens,omitempty"      validate:"gte=0"`
}

func (AIPromptConfig) ActionType() ActionType { return ActionAIPrompt }

// CreateEntityConfig inserts a row built from literal or templated values.
type CreateEntityConfig struct {
	Table        string         `json:"table"         validate:"required"`
	FieldMapping map[string]any `json:"field_mapping" validate:"required,min=1"`
}

func (CreateEntityConfig) ActionType() ActionType { return ActionCreateEntity }

// SendNotificationConfig records an internal notification activity.
type SendNotificationConfig struct {
	Title       string `json:"title,omitempty"`
	Message     string `json:"message"                validate:"required"`
	RecipientID string `json:"recipient_id,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

func (SendNotificationConfig) ActionType() ActionType { return ActionSendNotification }

// DelayUnit is the unit of a schedule_timer delay.
type DelayUnit string

const (
	DelaySeconds DelayUnit = "seconds"
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// Duration returns the length of one unit.
func (u DelayUnit) Duration() time.Duration {
	switch u {
	case DelaySeconds:
		return time.Second
	case DelayMinutes:
		return time.Minute
	case DelayHours:
		return time.Hour
	case DelayDays:
		return 24 * time.Hour
	case DelayWeeks:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// NestedAction is an action carried by a timer and executed when it fires.
type NestedAction struct {
	ActionType   ActionType     `json:"action_type"   validate:"required"`
	ActionConfig map[string]any `json:"action_config"`
}

// ScheduleTimerConfig defers a nested action by a fixed delay.
type ScheduleTimerConfig struct {
	DelayAmount int          `json:"delay_amount" validate:"gt=0"`
	DelayUnit   DelayUnit    `json:"delay_unit"   validate:"required,oneof=seconds minutes hours days weeks"`
	Action      NestedAction `json:"action"       validate:"required"`
}

func (ScheduleTimerConfig) ActionType() ActionType { return ActionScheduleTimer }

// Delay returns the total timer delay.
func (c ScheduleTimerConfig) Delay() time.Duration {
	return time.Duration(c.DelayAmount) * c.DelayUnit.Duration()
}

// CustomConfig dispatches to a tenant-registered extension identified by Slug.
type CustomConfig struct {
	Slug   string
	Params map[string]any
}

func (c CustomConfig) ActionType() ActionType { return ActionType(c.Slug) }

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// DecodeActionConfig converts a raw action configuration into its typed variant.
func DecodeActionConfig(actionType ActionType, raw map[string]any) (ActionConfig, error) {
	var config ActionConfig

	switch actionType {
	case ActionWebhook:
		config = &WebhookConfig{}
	case ActionUpdateField:
		config = &UpdateFieldConfig{}
	case ActionEmitEvent:
		config = &EmitEventConfig{}
	case ActionAIPrompt:
		config = &AIPromptConfig{}
	case ActionCreateEntity:
		config = &CreateEntityConfig{}
	case ActionSendNotification:
		config = &SendNotificationConfig{}
	case ActionScheduleTimer:
		config = &ScheduleTimerConfig{}
	case "":
		return nil, fmt.Errorf("%w: missing action type", ErrInvalidActionConfig)
	default:
		return &CustomConfig{Slug: string(actionType), Params: raw}, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidActionConfig, actionType, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidActionConfig, actionType, err)
	}

	if err := configValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidActionConfig, actionType, err)
	}

	return config, nil
}
