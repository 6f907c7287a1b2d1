package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/epa-ams/stockledger/internal/catalog"
)

// memoryRepo is an in-memory RepositoryPort/TxRepository double. Its WithTx
// snapshots state and restores it when the callback fails, mirroring the
// rollback behaviour of the SQL repository.
type memoryRepo struct {
	balances   map[string]Balance
	ledger     []LedgerEntry
	lots       map[int64]Lot
	containers map[int64]Container
	nextEntry  int64
	nextLot    int64
	nextCont   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		balances:   make(map[string]Balance),
		lots:       make(map[int64]Lot),
		containers: make(map[int64]Container),
	}
}

func (r *memoryRepo) snapshot() *memoryRepo {
	c := newMemoryRepo()
	for k, v := range r.balances {
		c.balances[k] = v
	}
	c.ledger = append(c.ledger, r.ledger...)
	for k, v := range r.lots {
		c.lots[k] = v
	}
	for k, v := range r.containers {
		c.containers[k] = v
	}
	c.nextEntry, c.nextLot, c.nextCont = r.nextEntry, r.nextLot, r.nextCont
	return c
}

func (r *memoryRepo) restore(s *memoryRepo) {
	r.balances = s.balances
	r.ledger = s.ledger
	r.lots = s.lots
	r.containers = s.containers
	r.nextEntry, r.nextLot, r.nextCont = s.nextEntry, s.nextLot, s.nextCont
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	saved := r.snapshot()
	if err := fn(ctx, (*memoryTx)(r)); err != nil {
		r.restore(saved)
		return err
	}
	return nil
}

func (r *memoryRepo) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	if bal, ok := r.balances[key.String()]; ok {
		return bal, nil
	}
	return Balance{}, ErrBalanceNotFound
}

func (r *memoryRepo) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	var out []Balance
	for _, bal := range r.balances {
		if filter.HolderType != "" && bal.Key.Holder.Type != filter.HolderType {
			continue
		}
		if filter.HolderID != 0 && bal.Key.Holder.ID != filter.HolderID {
			continue
		}
		if filter.ItemID != 0 && bal.Key.ItemID != filter.ItemID {
			continue
		}
		if filter.LotID != 0 && bal.Key.LotID != filter.LotID {
			continue
		}
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (r *memoryRepo) QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range r.ledger {
		if filter.ItemID != 0 && e.ItemID != filter.ItemID {
			continue
		}
		if filter.LotID != 0 && e.LotID != filter.LotID {
			continue
		}
		if filter.TxType != "" && e.TxType != filter.TxType {
			continue
		}
		if filter.Holder != nil && !entryTouches(e, *filter.Holder) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func entryTouches(e LedgerEntry, h Holder) bool {
	if e.FromHolder != nil && *e.FromHolder == h {
		return true
	}
	return e.ToHolder != nil && *e.ToHolder == h
}

func (r *memoryRepo) ReplayBalance(ctx context.Context, key BalanceKey) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range r.ledger {
		if e.ItemID != key.ItemID || e.LotID != key.LotID {
			continue
		}
		if e.ToHolder != nil && *e.ToHolder == key.Holder {
			sum = sum.Add(e.QtyBase)
		}
		if e.FromHolder != nil && *e.FromHolder == key.Holder {
			sum = sum.Sub(e.QtyBase)
		}
	}
	return sum, nil
}

func (r *memoryRepo) Rollup(ctx context.Context, itemID int64, holderType HolderType) ([]RollupRow, error) {
	agg := make(map[Holder]decimal.Decimal)
	for _, bal := range r.balances {
		if bal.Key.ItemID != itemID {
			continue
		}
		if holderType != "" && bal.Key.Holder.Type != holderType {
			continue
		}
		agg[bal.Key.Holder] = agg[bal.Key.Holder].Add(bal.QtyOnHand)
	}
	var out []RollupRow
	for h, qty := range agg {
		out = append(out, RollupRow{Holder: h, ItemID: itemID, QtyOnHand: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder.String() < out[j].Holder.String() })
	return out, nil
}

func (r *memoryRepo) ListExpiring(ctx context.Context, filter ExpiryFilter) ([]ExpiringLot, error) {
	cutoff := time.Now().AddDate(0, 0, filter.Days)
	var out []ExpiringLot
	for _, bal := range r.balances {
		if bal.Key.LotID == 0 || !bal.QtyOnHand.IsPositive() {
			continue
		}
		lot, ok := r.lots[bal.Key.LotID]
		if !ok || lot.ExpiryDate == nil || lot.ExpiryDate.After(cutoff) {
			continue
		}
		if filter.HolderType != "" && bal.Key.Holder.Type != filter.HolderType {
			continue
		}
		out = append(out, ExpiringLot{
			Lot:          lot,
			Holder:       bal.Key.Holder,
			QtyOnHand:    bal.QtyOnHand,
			DaysToExpiry: int(time.Until(*lot.ExpiryDate).Hours() / 24),
		})
	}
	return out, nil
}

func (r *memoryRepo) ListContainers(ctx context.Context, lotID int64) ([]Container, error) {
	var out []Container
	for _, c := range r.containers {
		if c.LotID == lotID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

type memoryTx memoryRepo

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error) {
	if bal, ok := tx.balances[key.String()]; ok {
		return bal, nil
	}
	return Balance{}, ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, bal Balance) error {
	bal.UpdatedAt = time.Now()
	tx.balances[bal.Key.String()] = bal
	return nil
}

func (tx *memoryTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error) {
	tx.nextEntry++
	entry.ID = tx.nextEntry
	tx.ledger = append(tx.ledger, entry)
	return entry.ID, nil
}

func (tx *memoryTx) HasLedgerHistory(ctx context.Context, key BalanceKey) (bool, error) {
	for _, e := range tx.ledger {
		if e.ItemID != key.ItemID || e.LotID != key.LotID {
			continue
		}
		if entryTouches(e, key.Holder) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) ReplayBalance(ctx context.Context, key BalanceKey) (decimal.Decimal, error) {
	return (*memoryRepo)(tx).ReplayBalance(ctx, key)
}

func (tx *memoryTx) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	if lot, ok := tx.lots[lotID]; ok {
		return lot, nil
	}
	return Lot{}, ErrLotNotFound
}

func (tx *memoryTx) FindLotByNumber(ctx context.Context, itemID int64, lotNumber string) (Lot, error) {
	for _, lot := range tx.lots {
		if lot.ItemID == itemID && lot.LotNumber == lotNumber {
			return lot, nil
		}
	}
	return Lot{}, ErrLotNotFound
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	tx.nextLot++
	lot.ID = tx.nextLot
	lot.CreatedAt = time.Now()
	tx.lots[lot.ID] = lot
	return lot.ID, nil
}

func (tx *memoryTx) ListLotStock(ctx context.Context, holder Holder, itemID int64) ([]LotStock, error) {
	var out []LotStock
	for _, bal := range tx.balances {
		if bal.Key.Holder != holder || bal.Key.ItemID != itemID || bal.Key.LotID == 0 {
			continue
		}
		if !bal.QtyOnHand.IsPositive() {
			continue
		}
		lot, ok := tx.lots[bal.Key.LotID]
		if !ok {
			continue
		}
		out = append(out, LotStock{Lot: lot, Available: bal.QtyOnHand})
	}
	sort.Slice(out, func(i, j int) bool { return fefoLess(out[i].Lot, out[j].Lot) })
	return out, nil
}

func (tx *memoryTx) GetContainerForUpdate(ctx context.Context, containerID int64) (Container, error) {
	if c, ok := tx.containers[containerID]; ok {
		return c, nil
	}
	return Container{}, ErrContainerNotFound
}

func (tx *memoryTx) InsertContainer(ctx context.Context, c Container) (int64, error) {
	tx.nextCont++
	c.ID = tx.nextCont
	tx.containers[c.ID] = c
	return c.ID, nil
}

func (tx *memoryTx) UpdateContainer(ctx context.Context, c Container) error {
	if _, ok := tx.containers[c.ID]; !ok {
		return ErrContainerNotFound
	}
	tx.containers[c.ID] = c
	return nil
}

// stubCatalog backs CatalogPort and DirectoryPort with fixed reference data.
type stubCatalog struct {
	items   map[int64]catalog.Item
	reasons map[int64]catalog.ReasonCode
	holders map[string]bool
}

func (s *stubCatalog) GetItem(ctx context.Context, id int64) (catalog.Item, error) {
	if item, ok := s.items[id]; ok {
		return item, nil
	}
	return catalog.Item{}, catalog.ErrItemNotFound
}

func (s *stubCatalog) GetReasonCode(ctx context.Context, id int64) (catalog.ReasonCode, error) {
	if rc, ok := s.reasons[id]; ok {
		return rc, nil
	}
	return catalog.ReasonCode{}, catalog.ErrReasonCodeNotFound
}

func (s *stubCatalog) HolderExists(ctx context.Context, ref catalog.HolderRef) (bool, error) {
	if s.holders == nil {
		return true, nil
	}
	return s.holders[ref.Type], nil
}

// memQuarantine is a map-backed QuarantinePort.
type memQuarantine struct {
	flagged map[string]string
}

func newMemQuarantine() *memQuarantine {
	return &memQuarantine{flagged: make(map[string]string)}
}

func (q *memQuarantine) IsFlagged(ctx context.Context, key BalanceKey) (bool, error) {
	_, ok := q.flagged[key.String()]
	return ok, nil
}

func (q *memQuarantine) Flag(ctx context.Context, key BalanceKey, reason string) error {
	q.flagged[key.String()] = reason
	return nil
}
