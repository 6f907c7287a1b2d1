package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/epa-ams/stockledger/internal/platform/db"
)

// Repository persists the ledger, balances, lots and containers in
// PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the engine. All
// of them run on the same database transaction.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error)
	UpsertBalance(ctx context.Context, bal Balance) error
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error)
	HasLedgerHistory(ctx context.Context, key BalanceKey) (bool, error)
	ReplayBalance(ctx context.Context, key BalanceKey) (decimal.Decimal, error)
	GetLot(ctx context.Context, lotID int64) (Lot, error)
	FindLotByNumber(ctx context.Context, itemID int64, lotNumber string) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	ListLotStock(ctx context.Context, holder Holder, itemID int64) ([]LotStock, error)
	GetContainerForUpdate(ctx context.Context, containerID int64) (Container, error)
	InsertContainer(ctx context.Context, c Container) (int64, error)
	UpdateContainer(ctx context.Context, c Container) error
}

type txRepository struct {
	tx pgx.Tx
}

// ErrBalanceNotFound indicates a missing balance row.
var ErrBalanceNotFound = errors.New("inventory: balance not found")

// WithTx executes the callback inside a repeatable-read transaction. Row
// locks taken by GetBalanceForUpdate/GetContainerForUpdate serialise
// concurrent movements on the same key.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetBalance reads one balance row without locking.
func (r *Repository) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	return scanBalance(r.pool.QueryRow(ctx, `SELECT holder_type, holder_id, item_id, lot_id, qty_on_hand, qty_reserved, updated_at
FROM inventory_balances WHERE holder_type=$1 AND holder_id=$2 AND item_id=$3 AND lot_id=$4`,
		key.Holder.Type, key.Holder.ID, key.ItemID, key.LotID))
}

// ListBalances lists balance rows matching a partial key.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	rows, err := r.pool.Query(ctx, `SELECT holder_type, holder_id, item_id, lot_id, qty_on_hand, qty_reserved, updated_at
FROM inventory_balances
WHERE ($1='' OR holder_type=$1)
  AND ($2=0 OR holder_id=$2)
  AND ($3=0 OR item_id=$3)
  AND ($4=0 OR lot_id=$4)
ORDER BY holder_type, holder_id, item_id, lot_id`,
		string(filter.HolderType), filter.HolderID, filter.ItemID, filter.LotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Balance
	for rows.Next() {
		bal, err := scanBalanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

// QueryLedger lists ledger entries ordered by tx time ascending.
func (r *Repository) QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	var holderType any
	var holderID any
	if filter.Holder != nil {
		holderType = string(filter.Holder.Type)
		holderID = filter.Holder.ID
	}
	rows, err := r.pool.Query(ctx, `SELECT id, uid, tx_type, tx_time, created_by, from_holder_type, from_holder_id, to_holder_type, to_holder_id,
item_id, lot_id, container_id, qty_base, entered_qty, entered_uom, reason_code_id, reference, notes, metadata, created_at
FROM inventory_ledger
WHERE tx_time BETWEEN COALESCE($1, '-infinity') AND COALESCE($2, 'infinity')
  AND ($3::text IS NULL OR (from_holder_type=$3 AND from_holder_id=$4) OR (to_holder_type=$3 AND to_holder_id=$4))
  AND ($5=0 OR item_id=$5)
  AND ($6=0 OR lot_id=$6)
  AND ($7='' OR tx_type=$7)
ORDER BY tx_time ASC, id ASC
LIMIT $8 OFFSET $9`,
		nullTime(filter.From), nullTime(filter.To), holderType, holderID, filter.ItemID, filter.LotID, string(filter.TxType), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ReplayBalance folds signed ledger contributions for one key: +qty when the
// key's holder is the destination, -qty when it is the source.
func (r *Repository) ReplayBalance(ctx context.Context, key BalanceKey) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(
  CASE WHEN to_holder_type=$1 AND to_holder_id=$2 THEN qty_base ELSE 0 END
- CASE WHEN from_holder_type=$1 AND from_holder_id=$2 THEN qty_base ELSE 0 END), 0)
FROM inventory_ledger WHERE item_id=$3 AND lot_id=$4`,
		key.Holder.Type, key.Holder.ID, key.ItemID, key.LotID).Scan(&sum)
	return sum, err
}

// Rollup aggregates on-hand quantity across lots per holder+item.
func (r *Repository) Rollup(ctx context.Context, itemID int64, holderType HolderType) ([]RollupRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT holder_type, holder_id, item_id, SUM(qty_on_hand)
FROM inventory_balances
WHERE ($1=0 OR item_id=$1) AND ($2='' OR holder_type=$2)
GROUP BY holder_type, holder_id, item_id
ORDER BY holder_type, holder_id, item_id`, itemID, string(holderType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RollupRow
	for rows.Next() {
		var row RollupRow
		if err := rows.Scan(&row.Holder.Type, &row.Holder.ID, &row.ItemID, &row.QtyOnHand); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListExpiring lists lots expiring within the window, with their balances.
func (r *Repository) ListExpiring(ctx context.Context, filter ExpiryFilter) ([]ExpiringLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, l.item_id, l.supplier_id, l.lot_number, l.received_date, l.expiry_date, l.document_ref, l.created_at,
b.holder_type, b.holder_id, b.qty_on_hand,
GREATEST(0, (l.expiry_date::date - NOW()::date))
FROM lots l
JOIN inventory_balances b ON b.lot_id = l.id AND b.item_id = l.item_id
WHERE l.expiry_date IS NOT NULL
  AND l.expiry_date BETWEEN NOW() AND NOW() + make_interval(days => $1)
  AND b.qty_on_hand > 0
  AND ($2='' OR b.holder_type=$2)
  AND ($3=0 OR b.holder_id=$3)
ORDER BY l.expiry_date ASC, l.id ASC`,
		filter.Days, string(filter.HolderType), filter.HolderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExpiringLot
	for rows.Next() {
		var e ExpiringLot
		var supplierID *int64
		if err := rows.Scan(&e.Lot.ID, &e.Lot.ItemID, &supplierID, &e.Lot.LotNumber, &e.Lot.ReceivedDate, &e.Lot.ExpiryDate, &e.Lot.DocumentRef, &e.Lot.CreatedAt,
			&e.Holder.Type, &e.Holder.ID, &e.QtyOnHand, &e.DaysToExpiry); err != nil {
			return nil, err
		}
		if supplierID != nil {
			e.Lot.SupplierID = *supplierID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListContainers lists containers under a lot.
func (r *Repository) ListContainers(ctx context.Context, lotID int64) ([]Container, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, lot_id, code, initial_qty, current_qty, location_holder_type, location_holder_id, status
FROM containers WHERE lot_id=$1 ORDER BY code ASC`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Container
	for rows.Next() {
		var c Container
		if err := rows.Scan(&c.ID, &c.LotID, &c.Code, &c.InitialQty, &c.CurrentQty, &c.Location.Type, &c.Location.ID, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error) {
	bal, err := scanBalance(r.tx.QueryRow(ctx, `SELECT holder_type, holder_id, item_id, lot_id, qty_on_hand, qty_reserved, updated_at
FROM inventory_balances WHERE holder_type=$1 AND holder_id=$2 AND item_id=$3 AND lot_id=$4 FOR UPDATE`,
		key.Holder.Type, key.Holder.ID, key.ItemID, key.LotID))
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return Balance{Key: key}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, bal Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_balances (holder_type, holder_id, item_id, lot_id, qty_on_hand, qty_reserved, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (holder_type, holder_id, item_id, lot_id)
DO UPDATE SET qty_on_hand=EXCLUDED.qty_on_hand, qty_reserved=EXCLUDED.qty_reserved, updated_at=NOW()`,
		bal.Key.Holder.Type, bal.Key.Holder.ID, bal.Key.ItemID, bal.Key.LotID, bal.QtyOnHand, bal.QtyReserved)
	return err
}

func (r *txRepository) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error) {
	var fromType, toType any
	var fromID, toID any
	if entry.FromHolder != nil {
		fromType, fromID = string(entry.FromHolder.Type), entry.FromHolder.ID
	}
	if entry.ToHolder != nil {
		toType, toID = string(entry.ToHolder.Type), entry.ToHolder.ID
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_ledger
(uid, tx_type, tx_time, created_by, from_holder_type, from_holder_id, to_holder_type, to_holder_id,
 item_id, lot_id, container_id, qty_base, entered_qty, entered_uom, reason_code_id, reference, notes, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NOW())
RETURNING id`,
		entry.UID, string(entry.TxType), entry.TxTime, nullInt(entry.CreatedBy), fromType, fromID, toType, toID,
		entry.ItemID, entry.LotID, nullInt(entry.ContainerID), entry.QtyBase, entry.EnteredQty, entry.EnteredUOM,
		nullInt(entry.ReasonCodeID), entry.Reference, entry.Notes, metadataJSON(entry.Metadata)).Scan(&id)
	return id, err
}

func (r *txRepository) HasLedgerHistory(ctx context.Context, key BalanceKey) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_ledger
WHERE item_id=$3 AND lot_id=$4
  AND ((from_holder_type=$1 AND from_holder_id=$2) OR (to_holder_type=$1 AND to_holder_id=$2)))`,
		key.Holder.Type, key.Holder.ID, key.ItemID, key.LotID).Scan(&exists)
	return exists, err
}

func (r *txRepository) ReplayBalance(ctx context.Context, key BalanceKey) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(
  CASE WHEN to_holder_type=$1 AND to_holder_id=$2 THEN qty_base ELSE 0 END
- CASE WHEN from_holder_type=$1 AND from_holder_id=$2 THEN qty_base ELSE 0 END), 0)
FROM inventory_ledger WHERE item_id=$3 AND lot_id=$4`,
		key.Holder.Type, key.Holder.ID, key.ItemID, key.LotID).Scan(&sum)
	return sum, err
}

func (r *txRepository) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	return scanLot(r.tx.QueryRow(ctx, `SELECT id, item_id, supplier_id, lot_number, received_date, expiry_date, document_ref, created_at
FROM lots WHERE id=$1`, lotID))
}

func (r *txRepository) FindLotByNumber(ctx context.Context, itemID int64, lotNumber string) (Lot, error) {
	return scanLot(r.tx.QueryRow(ctx, `SELECT id, item_id, supplier_id, lot_number, received_date, expiry_date, document_ref, created_at
FROM lots WHERE item_id=$1 AND lot_number=$2`, itemID, lotNumber))
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lots (item_id, supplier_id, lot_number, received_date, expiry_date, document_ref, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id`,
		lot.ItemID, nullInt(lot.SupplierID), lot.LotNumber, lot.ReceivedDate, lot.ExpiryDate, lot.DocumentRef).Scan(&id)
	return id, err
}

// ListLotStock lists lots of an item carrying positive balance at a holder,
// the input set for FEFO selection.
func (r *txRepository) ListLotStock(ctx context.Context, holder Holder, itemID int64) ([]LotStock, error) {
	rows, err := r.tx.Query(ctx, `SELECT l.id, l.item_id, l.supplier_id, l.lot_number, l.received_date, l.expiry_date, l.document_ref, l.created_at, b.qty_on_hand
FROM lots l
JOIN inventory_balances b ON b.lot_id = l.id AND b.item_id = l.item_id
WHERE b.holder_type=$1 AND b.holder_id=$2 AND l.item_id=$3 AND b.qty_on_hand > 0
ORDER BY l.expiry_date ASC NULLS LAST, l.received_date ASC, l.id ASC`,
		holder.Type, holder.ID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LotStock
	for rows.Next() {
		var ls LotStock
		var supplierID *int64
		if err := rows.Scan(&ls.Lot.ID, &ls.Lot.ItemID, &supplierID, &ls.Lot.LotNumber, &ls.Lot.ReceivedDate, &ls.Lot.ExpiryDate, &ls.Lot.DocumentRef, &ls.Lot.CreatedAt, &ls.Available); err != nil {
			return nil, err
		}
		if supplierID != nil {
			ls.Lot.SupplierID = *supplierID
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

func (r *txRepository) GetContainerForUpdate(ctx context.Context, containerID int64) (Container, error) {
	var c Container
	err := r.tx.QueryRow(ctx, `SELECT id, lot_id, code, initial_qty, current_qty, location_holder_type, location_holder_id, status
FROM containers WHERE id=$1 FOR UPDATE`, containerID).
		Scan(&c.ID, &c.LotID, &c.Code, &c.InitialQty, &c.CurrentQty, &c.Location.Type, &c.Location.ID, &c.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Container{}, ErrContainerNotFound
		}
		return Container{}, err
	}
	return c, nil
}

func (r *txRepository) InsertContainer(ctx context.Context, c Container) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO containers (lot_id, code, initial_qty, current_qty, location_holder_type, location_holder_id, status)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		c.LotID, c.Code, c.InitialQty, c.CurrentQty, c.Location.Type, c.Location.ID, string(c.Status)).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateContainer(ctx context.Context, c Container) error {
	_, err := r.tx.Exec(ctx, `UPDATE containers SET current_qty=$2, location_holder_type=$3, location_holder_id=$4, status=$5 WHERE id=$1`,
		c.ID, c.CurrentQty, c.Location.Type, c.Location.ID, string(c.Status))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (Balance, error) {
	var bal Balance
	err := row.Scan(&bal.Key.Holder.Type, &bal.Key.Holder.ID, &bal.Key.ItemID, &bal.Key.LotID, &bal.QtyOnHand, &bal.QtyReserved, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func scanBalanceRows(rows pgx.Rows) (Balance, error) {
	var bal Balance
	err := rows.Scan(&bal.Key.Holder.Type, &bal.Key.Holder.ID, &bal.Key.ItemID, &bal.Key.LotID, &bal.QtyOnHand, &bal.QtyReserved, &bal.UpdatedAt)
	return bal, err
}

func scanLot(row rowScanner) (Lot, error) {
	var lot Lot
	var supplierID *int64
	err := row.Scan(&lot.ID, &lot.ItemID, &supplierID, &lot.LotNumber, &lot.ReceivedDate, &lot.ExpiryDate, &lot.DocumentRef, &lot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	if supplierID != nil {
		lot.SupplierID = *supplierID
	}
	return lot, nil
}

func scanLedgerEntry(rows pgx.Rows) (LedgerEntry, error) {
	var entry LedgerEntry
	var fromType, toType *string
	var fromID, toID, createdBy, containerID, reasonCodeID *int64
	var metadata []byte
	err := rows.Scan(&entry.ID, &entry.UID, &entry.TxType, &entry.TxTime, &createdBy, &fromType, &fromID, &toType, &toID,
		&entry.ItemID, &entry.LotID, &containerID, &entry.QtyBase, &entry.EnteredQty, &entry.EnteredUOM,
		&reasonCodeID, &entry.Reference, &entry.Notes, &metadata, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, err
	}
	if fromType != nil && fromID != nil {
		entry.FromHolder = &Holder{Type: HolderType(*fromType), ID: *fromID}
	}
	if toType != nil && toID != nil {
		entry.ToHolder = &Holder{Type: HolderType(*toType), ID: *toID}
	}
	if createdBy != nil {
		entry.CreatedBy = *createdBy
	}
	if containerID != nil {
		entry.ContainerID = *containerID
	}
	if reasonCodeID != nil {
		entry.ReasonCodeID = *reasonCodeID
	}
	if len(metadata) > 0 {
		entry.Metadata = decodeMetadata(metadata)
	}
	return entry, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
