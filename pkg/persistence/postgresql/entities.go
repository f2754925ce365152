package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dukex/relay/pkg/persistence"
)

// Table and field names reaching these methods have already been checked
// against the configured allowlist; they are still quoted as identifiers.

// UpdateEntityField sets one column on an existing entity of the account.
func (p *Persistence) UpdateEntityField(ctx context.Context, accountID, table, entityID, field string, value any) error {
	column, err := columnValue(value)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s = $1, updated_at = NOW() WHERE id = $2 AND account_id = $3",
		pq.QuoteIdentifier(table),
		pq.QuoteIdentifier(field),
	)

	result, err := p.db.ExecContext(ctx, query, column, entityID, accountID)
	if err != nil {
		return persistence.NewEntityError("UpdateEntityField", table, entityID, err)
	}

	found, err := affected(result)
	if err != nil {
		return err
	}

	if !found {
		return persistence.NewEntityError("UpdateEntityField", table, entityID, persistence.ErrEntityNotFound)
	}

	return nil
}

// SetEntityMetadata stores value at path inside the entity's metadata object,
// creating intermediate objects. The row is locked for the read-modify-write.
func (p *Persistence) SetEntityMetadata(ctx context.Context, accountID, table, entityID string, path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("empty metadata path for %s %s", table, entityID)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer p.rollback(ctx, tx)

	quoted := pq.QuoteIdentifier(table)

	var current jsonb[map[string]any]

	err = tx.GetContext(ctx, &current,
		"SELECT COALESCE(metadata, '{}'::jsonb) FROM "+quoted+" WHERE id = $1 AND account_id = $2 FOR UPDATE",
		entityID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewEntityError("SetEntityMetadata", table, entityID, persistence.ErrEntityNotFound)
	}

	if err != nil {
		return persistence.NewEntityError("SetEntityMetadata", table, entityID, err)
	}

	metadata := current.V
	if metadata == nil {
		metadata = make(map[string]any)
	}

	setPath(metadata, path, value)

	_, err = tx.ExecContext(ctx,
		"UPDATE "+quoted+" SET metadata = $1, updated_at = NOW() WHERE id = $2 AND account_id = $3",
		asJSON(metadata), entityID, accountID)
	if err != nil {
		return persistence.NewEntityError("SetEntityMetadata", table, entityID, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit metadata of %s %s: %w", table, entityID, err)
	}

	return nil
}

// InsertEntity creates a row owned by the account and returns its id. A missing
// id is generated.
func (p *Persistence) InsertEntity(ctx context.Context, accountID, table string, values map[string]any) (string, error) {
	row := maps.Clone(values)
	if row == nil {
		row = make(map[string]any)
	}

	id, _ := row["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	row["id"] = id
	row["account_id"] = accountID

	fields := slices.Sorted(maps.Keys(row))
	columns := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))

	for i, field := range fields {
		column, err := columnValue(row[field])
		if err != nil {
			return "", err
		}

		columns = append(columns, pq.QuoteIdentifier(field))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, column)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		pq.QuoteIdentifier(table),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	var inserted string

	err := p.db.GetContext(ctx, &inserted, query, args...)
	if err != nil {
		return "", persistence.NewEntityError("InsertEntity", table, id, err)
	}

	return inserted, nil
}

// columnValue encodes objects and arrays as JSON; scalars pass through.
func columnValue(value any) (any, error) {
	switch value.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode column value: %w", err)
		}

		return data, nil
	default:
		return value, nil
	}
}

func setPath(root map[string]any, path []string, value any) {
	node := root
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[key] = child
		}

		node = child
	}

	node[path[len(path)-1]] = value
}
