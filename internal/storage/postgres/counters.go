package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	catalog "cardvault/internal/catalog/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/sentinel"
)

type mintCounterStore struct{ b *Backend }

// Next increments the counter only while it is below limit. The guarded upsert
// serializes concurrent claims on the counter row.
func (s *mintCounterStore) Next(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity, limit int) (int, error) {
	if limit < 1 {
		return 0, sentinel.ErrExhausted
	}
	var issued int
	err := s.b.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO mint_counters (definition_id, rarity_key, issued)
		VALUES ($1, $2, 1)
		ON CONFLICT (definition_id, rarity_key) DO UPDATE SET
			issued = mint_counters.issued + 1
		WHERE mint_counters.issued < $3
		RETURNING issued
	`, definitionID.String(), rarityKey(rarity), limit).Scan(&issued)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sentinel.ErrExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("next mint number: %w", err)
	}
	return issued, nil
}

func (s *mintCounterStore) Issued(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (int, error) {
	var issued int
	err := s.b.conn(ctx).QueryRowContext(ctx, `
		SELECT issued FROM mint_counters WHERE definition_id = $1 AND rarity_key = $2
	`, definitionID.String(), rarityKey(rarity)).Scan(&issued)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mint counter: %w", err)
	}
	return issued, nil
}
