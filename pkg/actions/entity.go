package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/relay/pkg/ai"
	"github.com/dukex/relay/pkg/expression"
	"github.com/dukex/relay/pkg/models"
)

func (e *Executor) updateField(ctx context.Context, cfg *models.UpdateFieldConfig, accountID string, payload map[string]any) (map[string]any, error) {
	if !e.allowlist.AllowsField(cfg.Table, cfg.Field) {
		return nil, fmt.Errorf("%w: field %q on table %q is not writable", ErrSecurity, cfg.Field, cfg.Table)
	}

	entityID := resolveEntityID(cfg.EntityID, payload)
	if entityID == "" {
		return nil, fmt.Errorf("%w: no entity id for update_field", ErrValidation)
	}

	value := expression.InterpolateValue(cfg.Value, payload)

	if err := e.store.UpdateEntityField(ctx, accountID, cfg.Table, entityID, cfg.Field, value); err != nil {
		return nil, fmt.Errorf("updating %s.%s: %w", cfg.Table, cfg.Field, err)
	}

	return map[string]any{"table": cfg.Table, "field": cfg.Field, "entity_id": entityID}, nil
}

func (e *Executor) createEntity(ctx context.Context, cfg *models.CreateEntityConfig, accountID string, payload map[string]any) (map[string]any, error) {
	if !e.allowlist.AllowsTable(cfg.Table) {
		return nil, fmt.Errorf("%w: table %q is not writable", ErrSecurity, cfg.Table)
	}

	values := make(map[string]any, len(cfg.FieldMapping))

	for field, raw := range cfg.FieldMapping {
		if !e.allowlist.AllowsField(cfg.Table, field) {
			return nil, fmt.Errorf("%w: field %q on table %q is not writable", ErrSecurity, field, cfg.Table)
		}

		values[field] = expression.InterpolateValue(raw, payload)
	}

	id, err := e.store.InsertEntity(ctx, accountID, cfg.Table, values)
	if err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", cfg.Table, err)
	}

	return map[string]any{"table": cfg.Table, "entity_id": id}, nil
}

func (e *Executor) aiPrompt(ctx context.Context, cfg *models.AIPromptConfig, accountID string, payload map[string]any) (map[string]any, error) {
	if e.completer == nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, ai.ErrNotConfigured)
	}

	if !e.allowlist.AllowsTable(cfg.Table) {
		return nil, fmt.Errorf("%w: table %q is not writable", ErrSecurity, cfg.Table)
	}

	for _, resultAction := range cfg.ResultActions {
		if !e.allowlist.AllowsField(cfg.Table, resultAction.Field) {
			return nil, fmt.Errorf("%w: field %q on table %q is not writable", ErrSecurity, resultAction.Field, cfg.Table)
		}
	}

	entityID := resolveEntityID(cfg.EntityID, payload)
	if entityID == "" {
		return nil, fmt.Errorf("%w: no entity id for ai_prompt", ErrValidation)
	}

	metadataPath := splitPath(cfg.MetadataPath)
	if len(metadataPath) == 0 {
		return nil, fmt.Errorf("%w: empty metadata_path", ErrValidation)
	}

	text, err := e.completer.Complete(ctx, ai.Request{
		Model:        cfg.Model,
		SystemPrompt: expression.Interpolate(cfg.SystemPrompt, payload),
		UserPrompt:   expression.Interpolate(cfg.UserPrompt, payload),
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var result any = text

	parsed, structured := ai.ParseResult(text)
	if structured {
		result = parsed
	}

	if cfg.ResponseSchema != nil {
		if err := validateSchema(cfg.ResponseSchema, result, structured); err != nil {
			return nil, err
		}
	}

	if err := e.store.SetEntityMetadata(ctx, accountID, cfg.Table, entityID, metadataPath, result); err != nil {
		return nil, fmt.Errorf("storing ai result: %w", err)
	}

	applied, err := e.applyResultActions(ctx, cfg, accountID, entityID, result, structured)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"entity_id":      entityID,
		"metadata_path":  cfg.MetadataPath,
		"structured":     structured,
		"applied_fields": applied,
	}, nil
}

func validateSchema(schema map[string]any, result any, structured bool) error {
	if !structured {
		return fmt.Errorf("%w: ai response is not JSON but a response_schema is set", ErrValidation)
	}

	validation, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(result))
	if err != nil {
		return fmt.Errorf("%w: response_schema: %v", ErrValidation, err)
	}

	if !validation.Valid() {
		problems := make([]string, 0, len(validation.Errors()))
		for _, resultErr := range validation.Errors() {
			problems = append(problems, resultErr.String())
		}

		return fmt.Errorf("%w: ai response does not match schema: %s", ErrValidation, strings.Join(problems, "; "))
	}

	return nil
}

// applyResultActions copies values addressed by gjson paths out of a structured
// result into entity fields. Missing sources are skipped.
func (e *Executor) applyResultActions(ctx context.Context, cfg *models.AIPromptConfig, accountID, entityID string, result any, structured bool) ([]string, error) {
	applied := []string{}

	if !structured || len(cfg.ResultActions) == 0 {
		return applied, nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding ai result: %v", ErrValidation, err)
	}

	for _, resultAction := range cfg.ResultActions {
		value := gjson.GetBytes(raw, resultAction.Source)
		if !value.Exists() {
			continue
		}

		if err := e.store.UpdateEntityField(ctx, accountID, cfg.Table, entityID, resultAction.Field, value.Value()); err != nil {
			return applied, fmt.Errorf("applying result to %s.%s: %w", cfg.Table, resultAction.Field, err)
		}

		applied = append(applied, resultAction.Field)
	}

	return applied, nil
}

// resolveEntityID interpolates an explicit template or falls back to the
// entity_id, entity.id and id fields of the payload.
func resolveEntityID(template string, payload map[string]any) string {
	if template != "" {
		return strings.TrimSpace(expression.Interpolate(template, payload))
	}

	for _, path := range []string{"entity_id", "entity.id", "id"} {
		if value, ok := expression.Lookup(payload, path); ok && value != nil {
			if id := expression.Stringify(value); id != "" {
				return id
			}
		}
	}

	return ""
}

func splitPath(path string) []string {
	var segments []string

	for _, segment := range strings.Split(path, ".") {
		if segment = strings.TrimSpace(segment); segment != "" {
			segments = append(segments, segment)
		}
	}

	return segments
}
