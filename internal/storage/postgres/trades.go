package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	trading "cardvault/internal/trading/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/sentinel"
)

type tradeStore struct{ b *Backend }

const tradeColumns = `id, sender_id, recipient_id, offered_instance_ids, requested_instance_ids, offered_packs,
	requested_packs, message, status, counter_of, created_at, updated_at, closed_at`

func (s *tradeStore) Create(ctx context.Context, trade *trading.Trade) error {
	var counterOf uuid.NullUUID
	if trade.CounterOf != nil {
		counterOf = uuid.NullUUID{UUID: uuid.UUID(*trade.CounterOf), Valid: true}
	}
	_, err := s.b.conn(ctx).ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, trade.ID.String(), trade.SenderID.String(), trade.RecipientID.String(),
		pq.Array(instanceKeys(trade.OfferedInstanceIDs)), pq.Array(instanceKeys(trade.RequestedInstanceIDs)),
		trade.OfferedPacks, trade.RequestedPacks, trade.Message, string(trade.Status), counterOf,
		trade.CreatedAt.UTC(), trade.UpdatedAt.UTC(), nullTime(trade.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("create trade: %w", err)
	}
	return nil
}

func (s *tradeStore) FindByID(ctx context.Context, tradeID id.TradeID) (*trading.Trade, error) {
	return s.find(ctx, tradeID, false)
}

func (s *tradeStore) Lock(ctx context.Context, tradeID id.TradeID) (*trading.Trade, error) {
	return s.find(ctx, tradeID, true)
}

func (s *tradeStore) find(ctx context.Context, tradeID id.TradeID, forUpdate bool) (*trading.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	trade, err := scanTrade(s.b.conn(ctx).QueryRowContext(ctx, query, tradeID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trade: %w", err)
	}
	return trade, nil
}

func (s *tradeStore) ListByUser(ctx context.Context, userID id.UserID) ([]*trading.Trade, error) {
	rows, err := s.b.conn(ctx).QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
	`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*trading.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

func (s *tradeStore) Close(ctx context.Context, tradeID id.TradeID, status trading.Status, at time.Time) error {
	res, err := s.b.conn(ctx).ExecContext(ctx, `
		UPDATE trades SET status = $2, updated_at = $3, closed_at = $3
		WHERE id = $1 AND status = $4
	`, tradeID.String(), string(status), at.UTC(), string(trading.StatusPending))
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close trade rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.find(ctx, tradeID, false); err != nil {
		return err
	}
	return sentinel.ErrInvalidState
}

func instanceKeys(ids []id.InstanceID) []string {
	out := make([]string, 0, len(ids))
	for _, instanceID := range ids {
		out = append(out, instanceID.String())
	}
	return out
}

func parseInstanceKeys(keys []string) ([]id.InstanceID, error) {
	out := make([]id.InstanceID, 0, len(keys))
	for _, key := range keys {
		raw, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("parse instance id %q: %w", key, err)
		}
		out = append(out, id.InstanceID(raw))
	}
	return out, nil
}

func scanTrade(row scanner) (*trading.Trade, error) {
	var (
		trade        trading.Trade
		rawID        uuid.UUID
		rawSender    uuid.UUID
		rawRecipient uuid.UUID
		offered      pq.StringArray
		requested    pq.StringArray
		status       string
		counterOf    uuid.NullUUID
		closedAt     sql.NullTime
	)
	if err := row.Scan(&rawID, &rawSender, &rawRecipient, &offered, &requested, &trade.OfferedPacks,
		&trade.RequestedPacks, &trade.Message, &status, &counterOf, &trade.CreatedAt, &trade.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}
	var err error
	if trade.OfferedInstanceIDs, err = parseInstanceKeys(offered); err != nil {
		return nil, err
	}
	if trade.RequestedInstanceIDs, err = parseInstanceKeys(requested); err != nil {
		return nil, err
	}
	trade.ID = id.TradeID(rawID)
	trade.SenderID = id.UserID(rawSender)
	trade.RecipientID = id.UserID(rawRecipient)
	trade.Status = trading.Status(status)
	if counterOf.Valid {
		c := id.TradeID(counterOf.UUID)
		trade.CounterOf = &c
	}
	trade.CreatedAt = trade.CreatedAt.UTC()
	trade.UpdatedAt = trade.UpdatedAt.UTC()
	trade.ClosedAt = timePtr(closedAt)
	return &trade, nil
}
