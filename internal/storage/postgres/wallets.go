package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/sentinel"
)

type walletStore struct{ b *Backend }

func (s *walletStore) Balance(ctx context.Context, userID id.UserID) (int64, error) {
	var packs int64
	err := s.b.conn(ctx).QueryRowContext(ctx, `SELECT packs FROM wallets WHERE user_id = $1`, userID.String()).Scan(&packs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read wallet: %w", err)
	}
	return packs, nil
}

// Lock materializes missing wallets first so every requested row can be locked.
func (s *walletStore) Lock(ctx context.Context, userIDs []id.UserID) (map[id.UserID]int64, error) {
	out := make(map[id.UserID]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		keys = append(keys, userID.String())
		out[userID] = 0
	}
	sort.Strings(keys)

	conn := s.b.conn(ctx)
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO wallets (user_id, packs)
		SELECT u, 0 FROM unnest($1::uuid[]) AS u
		ON CONFLICT (user_id) DO NOTHING
	`, pq.Array(keys)); err != nil {
		return nil, fmt.Errorf("materialize wallets: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT user_id, packs FROM wallets
		WHERE user_id = ANY($1::uuid[])
		ORDER BY user_id
		FOR UPDATE
	`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("lock wallets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			raw   uuid.UUID
			packs int64
		)
		if err := rows.Scan(&raw, &packs); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out[id.UserID(raw)] = packs
	}
	return out, rows.Err()
}

func (s *walletStore) Debit(ctx context.Context, userID id.UserID, amount int64) error {
	if amount == 0 {
		return nil
	}
	res, err := s.b.conn(ctx).ExecContext(ctx, `
		UPDATE wallets SET packs = packs - $2
		WHERE user_id = $1 AND packs >= $2
	`, userID.String(), amount)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit wallet rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrInsufficient
	}
	return nil
}

func (s *walletStore) Credit(ctx context.Context, userID id.UserID, amount int64) error {
	_, err := s.b.conn(ctx).ExecContext(ctx, `
		INSERT INTO wallets (user_id, packs) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET packs = wallets.packs + EXCLUDED.packs
	`, userID.String(), amount)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}
