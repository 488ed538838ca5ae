package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	catalog "cardvault/internal/catalog/models"
	instance "cardvault/internal/instance/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/sentinel"
)

type instanceStore struct{ b *Backend }

const instanceColumns = `id, definition_id, rarity, mint_number, owner_id, status, slabbed, grade,
	grading_requested_at, acquired_at, created_at, updated_at, version`

func rarityKey(r catalog.Rarity) string {
	return strings.ToLower(string(r))
}

// Create claims the mint number and inserts the instance in one statement.
func (s *instanceStore) Create(ctx context.Context, inst *instance.CardInstance) error {
	res, err := s.b.conn(ctx).ExecContext(ctx, `
		WITH claim AS (
			INSERT INTO mint_claims (definition_id, rarity_key, mint_number)
			VALUES ($2, $14, $4)
			ON CONFLICT DO NOTHING
			RETURNING 1
		)
		INSERT INTO card_instances (`+instanceColumns+`)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13 FROM claim
	`,
		inst.ID.String(), inst.DefinitionID.String(), string(inst.Rarity), inst.MintNumber, inst.OwnerID.String(),
		string(inst.Status), inst.Slabbed, nullGrade(inst.Grade), nullTime(inst.GradingRequestedAt),
		inst.AcquiredAt.UTC(), inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(), inst.Version, rarityKey(inst.Rarity),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("create instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create instance rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *instanceStore) FindByID(ctx context.Context, instanceID id.InstanceID) (*instance.CardInstance, error) {
	row := s.b.conn(ctx).QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM card_instances WHERE id = $1`, instanceID.String())
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return inst, nil
}

func (s *instanceStore) LockMany(ctx context.Context, instanceIDs []id.InstanceID) ([]*instance.CardInstance, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(instanceIDs))
	for _, instanceID := range instanceIDs {
		keys = append(keys, instanceID.String())
	}
	sort.Strings(keys)

	rows, err := s.b.conn(ctx).QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM card_instances
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE
	`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("lock instances: %w", err)
	}
	defer rows.Close()

	byID := make(map[id.InstanceID]*instance.CardInstance, len(instanceIDs))
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		byID[inst.ID] = inst
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock instances: %w", err)
	}

	out := make([]*instance.CardInstance, 0, len(instanceIDs))
	for _, instanceID := range instanceIDs {
		inst, ok := byID[instanceID]
		if !ok {
			return nil, sentinel.ErrNotFound
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}

func (s *instanceStore) ListByOwner(ctx context.Context, ownerID id.UserID) ([]*instance.CardInstance, error) {
	rows, err := s.b.conn(ctx).QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM card_instances
		WHERE owner_id = $1
		ORDER BY acquired_at, id
	`, ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*instance.CardInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *instanceStore) Update(ctx context.Context, inst *instance.CardInstance, expected instance.Status) error {
	var version int64
	err := s.b.conn(ctx).QueryRowContext(ctx, `
		UPDATE card_instances SET
			owner_id = $3,
			status = $4,
			slabbed = $5,
			grade = $6,
			grading_requested_at = $7,
			acquired_at = $8,
			updated_at = $9,
			version = version + 1
		WHERE id = $1 AND status = $2 AND version = $10
		RETURNING version
	`,
		inst.ID.String(), string(expected), inst.OwnerID.String(), string(inst.Status), inst.Slabbed,
		nullGrade(inst.Grade), nullTime(inst.GradingRequestedAt), inst.AcquiredAt.UTC(), inst.UpdatedAt.UTC(), inst.Version,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return s.missOrConflict(ctx, inst.ID)
	}
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	inst.Version = version
	return nil
}

func (s *instanceStore) Delete(ctx context.Context, instanceID id.InstanceID, version int64) error {
	res, err := s.b.conn(ctx).ExecContext(ctx, `DELETE FROM card_instances WHERE id = $1 AND version = $2`, instanceID.String(), version)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete instance rows affected: %w", err)
	}
	if n == 0 {
		return s.missOrConflict(ctx, instanceID)
	}
	return nil
}

func (s *instanceStore) missOrConflict(ctx context.Context, instanceID id.InstanceID) error {
	var exists bool
	err := s.b.conn(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM card_instances WHERE id = $1)`, instanceID.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check instance: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

func nullGrade(g *float64) sql.NullFloat64 {
	if g == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *g, Valid: true}
}

func scanInstance(row scanner) (*instance.CardInstance, error) {
	var (
		inst        instance.CardInstance
		rawID       uuid.UUID
		rawDef      uuid.UUID
		rawOwner    uuid.UUID
		rarity      string
		status      string
		grade       sql.NullFloat64
		requestedAt sql.NullTime
	)
	if err := row.Scan(&rawID, &rawDef, &rarity, &inst.MintNumber, &rawOwner, &status, &inst.Slabbed, &grade,
		&requestedAt, &inst.AcquiredAt, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version); err != nil {
		return nil, err
	}
	inst.ID = id.InstanceID(rawID)
	inst.DefinitionID = id.DefinitionID(rawDef)
	inst.OwnerID = id.UserID(rawOwner)
	inst.Rarity = catalog.Rarity(rarity)
	inst.Status = instance.Status(status)
	if grade.Valid {
		g := grade.Float64
		inst.Grade = &g
	}
	inst.GradingRequestedAt = timePtr(requestedAt)
	inst.AcquiredAt = inst.AcquiredAt.UTC()
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return &inst, nil
}
