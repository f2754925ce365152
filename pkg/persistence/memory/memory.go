// Package memory provides an in-process persistence implementation for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

var _ persistence.Persistence = (*Persistence)(nil)

// Persistence implements persistence.Persistence with maps guarded by a single mutex,
// which makes every conditional write atomic.
type Persistence struct {
	mu sync.Mutex

	actions    map[string]*models.WorkflowAction
	rules      map[string]*models.AutomationRule
	extensions map[string]*models.Extension

	triggers  map[string]*models.ScheduledTrigger
	instances map[string]*models.ScheduledTriggerInstance

	events        map[string]*models.OutboxEvent
	subscriptions map[string]*models.WebhookSubscription
	deliveries    map[string]*models.WebhookDelivery

	// entities[table][id] holds rows including their account_id column.
	entities   map[string]map[string]map[string]any
	activities []*models.Activity

	// seq orders rows that share a created_at timestamp.
	seq   int64
	order map[string]int64
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		actions:       make(map[string]*models.WorkflowAction),
		rules:         make(map[string]*models.AutomationRule),
		extensions:    make(map[string]*models.Extension),
		triggers:      make(map[string]*models.ScheduledTrigger),
		instances:     make(map[string]*models.ScheduledTriggerInstance),
		events:        make(map[string]*models.OutboxEvent),
		subscriptions: make(map[string]*models.WebhookSubscription),
		deliveries:    make(map[string]*models.WebhookDelivery),
		entities:      make(map[string]map[string]map[string]any),
		order:         make(map[string]int64),
	}
}

// HealthCheck always succeeds.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

// Close performs no cleanup.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) nextSeq(id string) {
	p.seq++
	p.order[id] = p.seq
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// SaveWorkflowAction stores a workflow action as the CRUD layer would.
func (p *Persistence) SaveWorkflowAction(_ context.Context, action *models.WorkflowAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&action.ID)

	stored := *action
	p.actions[action.ID] = &stored
	p.nextSeq(action.ID)

	return nil
}

// SaveAutomationRule stores an automation rule.
func (p *Persistence) SaveAutomationRule(_ context.Context, rule *models.AutomationRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&rule.ID)

	stored := *rule
	p.rules[rule.ID] = &stored
	p.nextSeq(rule.ID)

	return nil
}

// SaveExtension registers a tenant extension.
func (p *Persistence) SaveExtension(_ context.Context, extension *models.Extension) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&extension.ID)

	stored := *extension
	p.extensions[extension.ID] = &stored

	return nil
}

// WorkflowActions returns enabled actions for the tuple in insertion order.
func (p *Persistence) WorkflowActions(_ context.Context, accountID, workflowDefID string, triggerType models.TriggerType, triggerRefID *string) ([]*models.WorkflowAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.WorkflowAction

	for _, action := range p.actions {
		if action.AccountID != accountID || action.WorkflowDefID != workflowDefID ||
			action.TriggerType != triggerType || !action.Enabled || !action.MatchesRef(triggerRefID) {
			continue
		}

		found := *action
		result = append(result, &found)
	}

	sortByInsertion(p.order, result, func(a *models.WorkflowAction) string { return a.ID })

	return result, nil
}

// AutomationRules returns enabled rules for the event in insertion order.
func (p *Persistence) AutomationRules(_ context.Context, accountID, triggerEvent string) ([]*models.AutomationRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.AutomationRule

	for _, rule := range p.rules {
		if rule.AccountID != accountID || rule.TriggerEvent != triggerEvent || !rule.Enabled {
			continue
		}

		found := *rule
		result = append(result, &found)
	}

	sortByInsertion(p.order, result, func(r *models.AutomationRule) string { return r.ID })

	return result, nil
}

// ExtensionBySlug returns the enabled extension registered for the slug.
func (p *Persistence) ExtensionBySlug(_ context.Context, accountID, slug string) (*models.Extension, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, extension := range p.extensions {
		if extension.AccountID == accountID && extension.Slug == slug && extension.Enabled {
			found := *extension

			return &found, nil
		}
	}

	return nil, persistence.ErrExtensionNotFound
}

// UpdateEntityField sets one field on an existing entity of the account.
func (p *Persistence) UpdateEntityField(_ context.Context, accountID, table, entityID, field string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, err := p.entity(accountID, table, entityID)
	if err != nil {
		return err
	}

	row[field] = value
	row["updated_at"] = time.Now().UTC()

	return nil
}

// SetEntityMetadata stores value at path inside the entity's metadata object.
func (p *Persistence) SetEntityMetadata(_ context.Context, accountID, table, entityID string, path []string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(path) == 0 {
		return fmt.Errorf("empty metadata path for %s %s", table, entityID)
	}

	row, err := p.entity(accountID, table, entityID)
	if err != nil {
		return err
	}

	metadata, _ := row["metadata"].(map[string]any)
	if metadata == nil {
		metadata = make(map[string]any)
		row["metadata"] = metadata
	}

	node := metadata
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[key] = child
		}

		node = child
	}

	node[path[len(path)-1]] = value

	return nil
}

// InsertEntity creates a row in table owned by the account and returns its id.
func (p *Persistence) InsertEntity(_ context.Context, accountID, table string, values map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := maps.Clone(values)
	if row == nil {
		row = make(map[string]any)
	}

	id, _ := row["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	row["id"] = id
	row["account_id"] = accountID
	row["created_at"] = now
	row["updated_at"] = now

	if p.entities[table] == nil {
		p.entities[table] = make(map[string]map[string]any)
	}

	p.entities[table][id] = row

	return id, nil
}

// Entity returns a copy of a stored entity row.
func (p *Persistence) Entity(accountID, table, id string) (map[string]any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, err := p.entity(accountID, table, id)
	if err != nil {
		return nil, false
	}

	return maps.Clone(row), true
}

func (p *Persistence) entity(accountID, table, id string) (map[string]any, error) {
	row, ok := p.entities[table][id]
	if !ok || row["account_id"] != accountID {
		return nil, persistence.NewEntityError("Entity", table, id, persistence.ErrEntityNotFound)
	}

	return row, nil
}

// RecordActivity appends an activity record.
func (p *Persistence) RecordActivity(_ context.Context, activity *models.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&activity.ID)

	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	stored := *activity
	p.activities = append(p.activities, &stored)

	return nil
}

// Activities returns the account's activity records in insertion order.
func (p *Persistence) Activities(accountID string) []*models.Activity {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.Activity

	for _, activity := range p.activities {
		if activity.AccountID == accountID {
			found := *activity
			result = append(result, &found)
		}
	}

	return result
}

// sortByInsertion orders rows by the sequence they were stored in.
func sortByInsertion[T any](order map[string]int64, rows []T, id func(T) string) {
	slices.SortStableFunc(rows, func(a, b T) int {
		return cmp.Compare(order[id(a)], order[id(b)])
	})
}
