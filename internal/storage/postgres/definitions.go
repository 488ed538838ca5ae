package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	catalog "cardvault/internal/catalog/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/sentinel"
)

type definitionStore struct{ b *Backend }

const definitionColumns = `id, slug, name, set_name, description, image_url, tiers, created_at, updated_at`

func (s *definitionStore) Upsert(ctx context.Context, def *catalog.CardDefinition) error {
	tiers, err := json.Marshal(def.Tiers)
	if err != nil {
		return fmt.Errorf("encode tiers: %w", err)
	}
	_, err = s.b.conn(ctx).ExecContext(ctx, `
		INSERT INTO card_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			set_name = EXCLUDED.set_name,
			description = EXCLUDED.description,
			image_url = EXCLUDED.image_url,
			tiers = EXCLUDED.tiers,
			updated_at = EXCLUDED.updated_at
	`, def.ID.String(), def.Slug, def.Name, def.Set, def.Description, def.ImageURL, tiers, def.CreatedAt.UTC(), def.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("upsert definition: %w", err)
	}
	return nil
}

func (s *definitionStore) FindByID(ctx context.Context, definitionID id.DefinitionID) (*catalog.CardDefinition, error) {
	row := s.b.conn(ctx).QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM card_definitions WHERE id = $1`, definitionID.String())
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find definition: %w", err)
	}
	return def, nil
}

func (s *definitionStore) List(ctx context.Context) ([]*catalog.CardDefinition, error) {
	rows, err := s.b.conn(ctx).QueryContext(ctx, `SELECT `+definitionColumns+` FROM card_definitions ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var out []*catalog.CardDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (*catalog.CardDefinition, error) {
	var (
		def      catalog.CardDefinition
		rawID    uuid.UUID
		rawTiers []byte
	)
	if err := row.Scan(&rawID, &def.Slug, &def.Name, &def.Set, &def.Description, &def.ImageURL, &rawTiers, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawTiers, &def.Tiers); err != nil {
		return nil, fmt.Errorf("decode tiers: %w", err)
	}
	def.ID = id.DefinitionID(rawID)
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return &def, nil
}
