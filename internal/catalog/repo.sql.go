package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads catalog reference data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetItem fetches an item definition by id.
func (r *Repository) GetItem(ctx context.Context, id int64) (Item, error) {
	var item Item
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, base_unit, requires_lot_tracking, requires_container_tracking, is_controlled, is_hazardous
FROM items WHERE id=$1`, id).
		Scan(&item.ID, &item.Code, &item.Name, &item.BaseUnit, &item.RequiresLotTracking, &item.RequiresContainerTracking, &item.IsControlled, &item.IsHazardous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	return item, nil
}

// GetReasonCode fetches an active reason code by id.
func (r *Repository) GetReasonCode(ctx context.Context, id int64) (ReasonCode, error) {
	var rc ReasonCode
	err := r.pool.QueryRow(ctx, `SELECT id, category, code, description, active FROM reason_codes WHERE id=$1`, id).
		Scan(&rc.ID, &rc.Category, &rc.Code, &rc.Description, &rc.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReasonCode{}, ErrReasonCodeNotFound
		}
		return ReasonCode{}, err
	}
	if !rc.Active {
		return ReasonCode{}, ErrReasonCodeNotFound
	}
	return rc, nil
}

// HolderExists checks a holder against the directory snapshot table.
func (r *Repository) HolderExists(ctx context.Context, ref HolderRef) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM holders WHERE holder_type=$1 AND holder_id=$2 AND active)`, ref.Type, ref.ID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
