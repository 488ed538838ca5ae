package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	market "cardvault/internal/market/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/sentinel"
)

type listingStore struct{ b *Backend }

const (
	listingColumns = `id, owner_id, instance, status, created_at, closed_at`
	offerColumns   = `id, listing_id, offerer_id, instances, packs, message, status, created_at, closed_at`
)

func (s *listingStore) Create(ctx context.Context, listing *market.Listing) error {
	snapshot, err := json.Marshal(listing.Instance)
	if err != nil {
		return fmt.Errorf("encode listing snapshot: %w", err)
	}
	_, err = s.b.conn(ctx).ExecContext(ctx, `
		INSERT INTO listings (id, owner_id, instance_id, instance, status, created_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, listing.ID.String(), listing.OwnerID.String(), listing.Instance.InstanceID.String(), snapshot,
		string(listing.Status), listing.CreatedAt.UTC(), nullTime(listing.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("create listing: %w", err)
	}
	return nil
}

func (s *listingStore) FindByID(ctx context.Context, listingID id.ListingID) (*market.Listing, error) {
	return s.find(ctx, listingID, false)
}

func (s *listingStore) Lock(ctx context.Context, listingID id.ListingID) (*market.Listing, error) {
	return s.find(ctx, listingID, true)
}

func (s *listingStore) find(ctx context.Context, listingID id.ListingID, forUpdate bool) (*market.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	listing, err := scanListing(s.b.conn(ctx).QueryRowContext(ctx, query, listingID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find listing: %w", err)
	}
	offers, err := s.offersFor(ctx, listingID)
	if err != nil {
		return nil, err
	}
	listing.Offers = offers
	return listing, nil
}

func (s *listingStore) ListOpen(ctx context.Context, limit int) ([]*market.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE status = $1 ORDER BY created_at DESC`
	args := []any{string(market.ListingOpen)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.b.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open listings: %w", err)
	}
	var out []*market.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, listing)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open listings: %w", err)
	}

	for _, listing := range out {
		offers, err := s.offersFor(ctx, listing.ID)
		if err != nil {
			return nil, err
		}
		listing.Offers = offers
	}
	return out, nil
}

func (s *listingStore) Close(ctx context.Context, listingID id.ListingID, status market.ListingStatus, at time.Time) error {
	res, err := s.b.conn(ctx).ExecContext(ctx, `
		UPDATE listings SET status = $2, closed_at = $3
		WHERE id = $1 AND status = $4
	`, listingID.String(), string(status), at.UTC(), string(market.ListingOpen))
	if err != nil {
		return fmt.Errorf("close listing: %w", err)
	}
	return s.guarded(ctx, res, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, listingID.String())
}

func (s *listingStore) Delete(ctx context.Context, listingID id.ListingID) error {
	res, err := s.b.conn(ctx).ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, listingID.String())
	if err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete listing rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *listingStore) AddOffer(ctx context.Context, offer *market.Offer) error {
	snapshots, err := json.Marshal(offer.Instances)
	if err != nil {
		return fmt.Errorf("encode offer snapshots: %w", err)
	}
	_, err = s.b.conn(ctx).ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, offer.ID.String(), offer.ListingID.String(), offer.OffererID.String(), snapshots, offer.Packs,
		offer.Message, string(offer.Status), offer.CreatedAt.UTC(), nullTime(offer.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		if isForeignKeyViolation(err) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("add offer: %w", err)
	}
	return nil
}

func (s *listingStore) FindOffer(ctx context.Context, offerID id.OfferID) (*market.Offer, error) {
	offer, err := scanOffer(s.b.conn(ctx).QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, offerID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find offer: %w", err)
	}
	return offer, nil
}

func (s *listingStore) CloseOffer(ctx context.Context, offerID id.OfferID, status market.OfferStatus, at time.Time) error {
	res, err := s.b.conn(ctx).ExecContext(ctx, `
		UPDATE offers SET status = $2, closed_at = $3
		WHERE id = $1 AND status = $4
	`, offerID.String(), string(status), at.UTC(), string(market.OfferActive))
	if err != nil {
		return fmt.Errorf("close offer: %w", err)
	}
	return s.guarded(ctx, res, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, offerID.String())
}

func (s *listingStore) CloseOffers(ctx context.Context, listingID id.ListingID, status market.OfferStatus, at time.Time) (int, error) {
	res, err := s.b.conn(ctx).ExecContext(ctx, `
		UPDATE offers SET status = $2, closed_at = $3
		WHERE listing_id = $1 AND status = $4
	`, listingID.String(), string(status), at.UTC(), string(market.OfferActive))
	if err != nil {
		return 0, fmt.Errorf("close offers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close offers rows affected: %w", err)
	}
	return int(n), nil
}

// guarded turns a zero-row guarded update into ErrNotFound or ErrInvalidState.
func (s *listingStore) guarded(ctx context.Context, res sql.Result, existsQuery, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.b.conn(ctx).QueryRowContext(ctx, existsQuery, key).Scan(&exists); err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrInvalidState
}

func (s *listingStore) offersFor(ctx context.Context, listingID id.ListingID) ([]*market.Offer, error) {
	rows, err := s.b.conn(ctx).QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE listing_id = $1 ORDER BY created_at, id
	`, listingID.String())
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	out := make([]*market.Offer, 0)
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, offer)
	}
	return out, rows.Err()
}

func scanListing(row scanner) (*market.Listing, error) {
	var (
		listing  market.Listing
		rawID    uuid.UUID
		rawOwner uuid.UUID
		snapshot []byte
		status   string
		closedAt sql.NullTime
	)
	if err := row.Scan(&rawID, &rawOwner, &snapshot, &status, &listing.CreatedAt, &closedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &listing.Instance); err != nil {
		return nil, fmt.Errorf("decode listing snapshot: %w", err)
	}
	listing.ID = id.ListingID(rawID)
	listing.OwnerID = id.UserID(rawOwner)
	listing.Status = market.ListingStatus(status)
	listing.CreatedAt = listing.CreatedAt.UTC()
	listing.ClosedAt = timePtr(closedAt)
	return &listing, nil
}

func scanOffer(row scanner) (*market.Offer, error) {
	var (
		offer      market.Offer
		rawID      uuid.UUID
		rawListing uuid.UUID
		rawOfferer uuid.UUID
		snapshots  []byte
		status     string
		closedAt   sql.NullTime
	)
	if err := row.Scan(&rawID, &rawListing, &rawOfferer, &snapshots, &offer.Packs, &offer.Message, &status, &offer.CreatedAt, &closedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshots, &offer.Instances); err != nil {
		return nil, fmt.Errorf("decode offer snapshots: %w", err)
	}
	offer.ID = id.OfferID(rawID)
	offer.ListingID = id.ListingID(rawListing)
	offer.OffererID = id.UserID(rawOfferer)
	offer.Status = market.OfferStatus(status)
	offer.CreatedAt = offer.CreatedAt.UTC()
	offer.ClosedAt = timePtr(closedAt)
	return &offer, nil
}
