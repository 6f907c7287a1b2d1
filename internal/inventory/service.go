package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/epa-ams/stockledger/internal/catalog"
	"github.com/epa-ams/stockledger/internal/shared"
	"github.com/epa-ams/stockledger/internal/uom"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
	ReplayBalance(ctx context.Context, key BalanceKey) (decimal.Decimal, error)
	Rollup(ctx context.Context, itemID int64, holderType HolderType) ([]RollupRow, error)
	ListExpiring(ctx context.Context, filter ExpiryFilter) ([]ExpiringLot, error)
	ListContainers(ctx context.Context, lotID int64) ([]Container, error)
}

// CatalogPort resolves read-only reference data owned by the catalog.
type CatalogPort interface {
	GetItem(ctx context.Context, id int64) (catalog.Item, error)
	GetReasonCode(ctx context.Context, id int64) (catalog.ReasonCode, error)
}

// DirectoryPort validates holder identities against the external directory.
type DirectoryPort interface {
	HolderExists(ctx context.Context, ref catalog.HolderRef) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards optional caller idempotency keys. Satisfied by
// shared.IdempotencyStore.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// QuarantinePort gates writes on keys flagged by reconciliation.
type QuarantinePort interface {
	IsFlagged(ctx context.Context, key BalanceKey) (bool, error)
	Flag(ctx context.Context, key BalanceKey, reason string) error
}

// ServiceConfig groups optional engine settings.
type ServiceConfig struct {
	// CentralStore is the default destination for RETURN movements that omit
	// a target holder.
	CentralStore Holder
}

// Service is the inventory operations engine. It is the only surface allowed
// to append ledger entries and mutate balance rows, and it does both inside a
// single repository transaction per operation.
type Service struct {
	repo        RepositoryPort
	catalog     CatalogPort
	directory   DirectoryPort
	units       *uom.Table
	audit       AuditPort
	idempotency IdempotencyPort
	quarantine  QuarantinePort
	central     Holder
}

// NewService builds the engine. audit, idempotency, directory and quarantine
// may be nil; the corresponding guard is then skipped.
func NewService(repo RepositoryPort, cat CatalogPort, directory DirectoryPort, units *uom.Table, audit AuditPort, idem IdempotencyPort, quarantine QuarantinePort, cfg ServiceConfig) *Service {
	return &Service{
		repo:        repo,
		catalog:     cat,
		directory:   directory,
		units:       units,
		audit:       audit,
		idempotency: idem,
		quarantine:  quarantine,
		central:     cfg.CentralStore,
	}
}

// ReceiveInput posts new stock into a holder.
type ReceiveInput struct {
	To             Holder
	ItemID         int64
	LotID          int64
	Lot            *LotInput
	Containers     []ContainerInput
	Qty            decimal.Decimal
	UOM            string
	ActorID        int64
	Reference      string
	Notes          string
	Metadata       map[string]any
	TxTime         time.Time
	IdempotencyKey string
}

// LotInput carries lot fields for receipts that create or dedupe a lot.
type LotInput struct {
	LotNumber    string
	SupplierID   int64
	ReceivedDate time.Time
	ExpiryDate   *time.Time
	DocumentRef  string
}

// ContainerInput describes one container created on receipt. Qty is in the
// same unit as the receipt quantity.
type ContainerInput struct {
	Code string
	Qty  decimal.Decimal
}

// TransferInput moves stock between two holders.
type TransferInput struct {
	From           Holder
	To             Holder
	ItemID         int64
	LotID          int64
	ContainerID    int64
	Qty            decimal.Decimal
	UOM            string
	AllowNegative  bool
	OverrideNote   string
	ActorID        int64
	Reference      string
	Notes          string
	Metadata       map[string]any
	TxTime         time.Time
	IdempotencyKey string
}

// ConsumeInput records stock used up at a holder.
type ConsumeInput struct {
	From           Holder
	ItemID         int64
	LotID          int64
	ContainerID    int64
	Qty            decimal.Decimal
	UOM            string
	AllowNegative  bool
	OverrideNote   string
	ActorID        int64
	Reference      string
	Notes          string
	Metadata       map[string]any
	TxTime         time.Time
	IdempotencyKey string
}

// AdjustInput corrects a single holder's balance with a mandatory reason.
type AdjustInput struct {
	Holder         Holder
	Direction      AdjustDirection
	ItemID         int64
	LotID          int64
	ContainerID    int64
	Qty            decimal.Decimal
	UOM            string
	ReasonCodeID   int64
	AllowNegative  bool
	OverrideNote   string
	ActorID        int64
	Reference      string
	Notes          string
	Metadata       map[string]any
	TxTime         time.Time
	IdempotencyKey string
}

// DisposeInput removes stock with a mandatory disposal reason.
type DisposeInput struct {
	From           Holder
	ItemID         int64
	LotID          int64
	ContainerID    int64
	Qty            decimal.Decimal
	UOM            string
	ReasonCodeID   int64
	AllowNegative  bool
	OverrideNote   string
	ActorID        int64
	Reference      string
	Notes          string
	Metadata       map[string]any
	TxTime         time.Time
	IdempotencyKey string
}

// ReturnInput flows stock back to a store. To defaults to the configured
// central store when absent.
type ReturnInput struct {
	From           Holder
	To             *Holder
	ItemID         int64
	LotID          int64
	ContainerID    int64
	Qty            decimal.Decimal
	UOM            string
	AllowNegative  bool
	OverrideNote   string
	ActorID        int64
	Reference      string
	Notes          string
	Metadata       map[string]any
	TxTime         time.Time
	IdempotencyKey string
}

// OpeningBalanceLine seeds one holder/item/lot key.
type OpeningBalanceLine struct {
	Holder Holder
	ItemID int64
	LotID  int64
	Lot    *LotInput
	Qty    decimal.Decimal
	UOM    string
}

// OpeningBalanceInput seeds initial balances. Rejected for any key that
// already has ledger history.
type OpeningBalanceInput struct {
	Lines          []OpeningBalanceLine
	ActorID        int64
	Reference      string
	Notes          string
	TxTime         time.Time
	IdempotencyKey string
}

// Receive posts a RECEIPT: creates or reuses a lot, optionally creates
// containers, and credits the destination holder.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (LedgerEntry, error) {
	if err := s.checkHolder(ctx, input.To); err != nil {
		return LedgerEntry{}, err
	}
	item, qtyBase, enteredQty, err := s.resolveItemQty(ctx, input.ItemID, input.Qty, input.UOM)
	if err != nil {
		return LedgerEntry{}, err
	}
	if containerTracked(item) && len(input.Containers) == 0 {
		return LedgerEntry{}, ErrContainerRequired
	}
	if lotTracked(item) && input.LotID == 0 && (input.Lot == nil || input.Lot.LotNumber == "") {
		return LedgerEntry{}, ErrLotRequired
	}

	m := movement{
		txType:     TxTypeReceipt,
		to:         &input.To,
		item:       item,
		lotID:      input.LotID,
		newLot:     input.Lot,
		containers: input.Containers,
		qtyBase:    qtyBase,
		enteredQty: enteredQty,
		enteredUOM: input.UOM,
		actorID:    input.ActorID,
		reference:  input.Reference,
		notes:      input.Notes,
		metadata:   input.Metadata,
		txTime:     input.TxTime,
		idemKey:    input.IdempotencyKey,
	}
	return s.post(ctx, m)
}

// Transfer debits the source and credits the destination atomically. A failed
// source-side check leaves no partial effect.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (LedgerEntry, error) {
	if err := s.checkHolder(ctx, input.From); err != nil {
		return LedgerEntry{}, err
	}
	if err := s.checkHolder(ctx, input.To); err != nil {
		return LedgerEntry{}, err
	}
	if input.From == input.To {
		return LedgerEntry{}, ErrSameHolder
	}
	item, qtyBase, enteredQty, err := s.resolveItemQty(ctx, input.ItemID, input.Qty, input.UOM)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := checkOverride(input.AllowNegative, input.OverrideNote); err != nil {
		return LedgerEntry{}, err
	}

	m := movement{
		txType:            TxTypeTransfer,
		from:              &input.From,
		to:                &input.To,
		item:              item,
		lotID:             input.LotID,
		containerID:       input.ContainerID,
		qtyBase:           qtyBase,
		enteredQty:        enteredQty,
		enteredUOM:        input.UOM,
		allowNegative:     input.AllowNegative,
		overrideNote:      input.OverrideNote,
		actorID:           input.ActorID,
		reference:         input.Reference,
		notes:             input.Notes,
		metadata:          input.Metadata,
		txTime:            input.TxTime,
		idemKey:           input.IdempotencyKey,
		relocateContainer: true,
	}
	return s.post(ctx, m)
}

// Consume debits stock used up at a holder.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (LedgerEntry, error) {
	if err := s.checkHolder(ctx, input.From); err != nil {
		return LedgerEntry{}, err
	}
	item, qtyBase, enteredQty, err := s.resolveItemQty(ctx, input.ItemID, input.Qty, input.UOM)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := checkOverride(input.AllowNegative, input.OverrideNote); err != nil {
		return LedgerEntry{}, err
	}

	m := movement{
		txType:         TxTypeConsume,
		from:           &input.From,
		item:           item,
		lotID:          input.LotID,
		containerID:    input.ContainerID,
		qtyBase:        qtyBase,
		enteredQty:     enteredQty,
		enteredUOM:     input.UOM,
		allowNegative:  input.AllowNegative,
		overrideNote:   input.OverrideNote,
		actorID:        input.ActorID,
		reference:      input.Reference,
		notes:          input.Notes,
		metadata:       input.Metadata,
		txTime:         input.TxTime,
		idemKey:        input.IdempotencyKey,
		drainContainer: true,
	}
	return s.post(ctx, m)
}

// Adjust increases or decreases a single holder's balance. The reason code is
// mandatory and must belong to the ADJUST category.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (LedgerEntry, error) {
	if err := s.checkHolder(ctx, input.Holder); err != nil {
		return LedgerEntry{}, err
	}
	if input.Direction != AdjustIncrease && input.Direction != AdjustDecrease {
		return LedgerEntry{}, fmt.Errorf("inventory: unknown adjust direction %q", input.Direction)
	}
	if err := s.checkReason(ctx, input.ReasonCodeID, catalog.ReasonCategoryAdjust); err != nil {
		return LedgerEntry{}, err
	}
	item, qtyBase, enteredQty, err := s.resolveItemQty(ctx, input.ItemID, input.Qty, input.UOM)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := checkOverride(input.AllowNegative, input.OverrideNote); err != nil {
		return LedgerEntry{}, err
	}

	m := movement{
		txType:        TxTypeAdjust,
		item:          item,
		lotID:         input.LotID,
		containerID:   input.ContainerID,
		qtyBase:       qtyBase,
		enteredQty:    enteredQty,
		enteredUOM:    input.UOM,
		reasonCodeID:  input.ReasonCodeID,
		allowNegative: input.AllowNegative,
		overrideNote:  input.OverrideNote,
		actorID:       input.ActorID,
		reference:     input.Reference,
		notes:         input.Notes,
		metadata:      input.Metadata,
		txTime:        input.TxTime,
		idemKey:       input.IdempotencyKey,
	}
	if input.Direction == AdjustIncrease {
		m.to = &input.Holder
		m.fillContainer = true
	} else {
		m.from = &input.Holder
		m.drainContainer = true
	}
	return s.post(ctx, m)
}

// Dispose debits stock with a mandatory DISPOSE reason. A container drained
// by a disposal transitions to DISPOSED rather than EMPTY.
func (s *Service) Dispose(ctx context.Context, input DisposeInput) (LedgerEntry, error) {
	if err := s.checkHolder(ctx, input.From); err != nil {
		return LedgerEntry{}, err
	}
	if err := s.checkReason(ctx, input.ReasonCodeID, catalog.ReasonCategoryDispose); err != nil {
		return LedgerEntry{}, err
	}
	item, qtyBase, enteredQty, err := s.resolveItemQty(ctx, input.ItemID, input.Qty, input.UOM)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := checkOverride(input.AllowNegative, input.OverrideNote); err != nil {
		return LedgerEntry{}, err
	}

	m := movement{
		txType:           TxTypeDispose,
		from:             &input.From,
		item:             item,
		lotID:            input.LotID,
		containerID:      input.ContainerID,
		qtyBase:          qtyBase,
		enteredQty:       enteredQty,
		enteredUOM:       input.UOM,
		reasonCodeID:     input.ReasonCodeID,
		allowNegative:    input.AllowNegative,
		overrideNote:     input.OverrideNote,
		actorID:          input.ActorID,
		reference:        input.Reference,
		notes:            input.Notes,
		metadata:         input.Metadata,
		txTime:           input.TxTime,
		idemKey:          input.IdempotencyKey,
		drainContainer:   true,
		disposeContainer: true,
	}
	return s.post(ctx, m)
}

// Return flows stock back to a store holder. The destination defaults to the
// configured central store when omitted.
func (s *Service) Return(ctx context.Context, input ReturnInput) (LedgerEntry, error) {
	to := s.central
	if input.To != nil {
		to = *input.To
	}
	if err := s.checkHolder(ctx, input.From); err != nil {
		return LedgerEntry{}, err
	}
	if err := s.checkHolder(ctx, to); err != nil {
		return LedgerEntry{}, err
	}
	if input.From == to {
		return LedgerEntry{}, ErrSameHolder
	}
	item, qtyBase, enteredQty, err := s.resolveItemQty(ctx, input.ItemID, input.Qty, input.UOM)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := checkOverride(input.AllowNegative, input.OverrideNote); err != nil {
		return LedgerEntry{}, err
	}

	m := movement{
		txType:            TxTypeReturn,
		from:              &input.From,
		to:                &to,
		item:              item,
		lotID:             input.LotID,
		containerID:       input.ContainerID,
		qtyBase:           qtyBase,
		enteredQty:        enteredQty,
		enteredUOM:        input.UOM,
		allowNegative:     input.AllowNegative,
		overrideNote:      input.OverrideNote,
		actorID:           input.ActorID,
		reference:         input.Reference,
		notes:             input.Notes,
		metadata:          input.Metadata,
		txTime:            input.TxTime,
		idemKey:           input.IdempotencyKey,
		relocateContainer: true,
	}
	return s.post(ctx, m)
}

// PostOpeningBalance seeds initial balances in one transaction. Every line's
// key must be untouched by prior ledger history.
func (s *Service) PostOpeningBalance(ctx context.Context, input OpeningBalanceInput) ([]LedgerEntry, error) {
	if len(input.Lines) == 0 {
		return nil, ErrInvalidQuantity
	}
	type resolvedLine struct {
		line    OpeningBalanceLine
		item    catalog.Item
		qtyBase decimal.Decimal
	}
	resolved := make([]resolvedLine, 0, len(input.Lines))
	for _, line := range input.Lines {
		if err := s.checkHolder(ctx, line.Holder); err != nil {
			return nil, err
		}
		item, qtyBase, _, err := s.resolveItemQty(ctx, line.ItemID, line.Qty, line.UOM)
		if err != nil {
			return nil, err
		}
		if lotTracked(item) && line.LotID == 0 && (line.Lot == nil || line.Lot.LotNumber == "") {
			return nil, ErrLotRequired
		}
		resolved = append(resolved, resolvedLine{line: line, item: item, qtyBase: qtyBase})
	}

	txTime := input.TxTime
	if txTime.IsZero() {
		txTime = time.Now().UTC()
	}
	insertedKey, err := s.reserveIdemKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var entries []LedgerEntry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entries = entries[:0]
		for _, rl := range resolved {
			lotID, err := s.resolveLotForWrite(ctx, tx, rl.item, rl.line.LotID, rl.line.Lot, txTime)
			if err != nil {
				return err
			}
			key := BalanceKey{Holder: rl.line.Holder, ItemID: rl.item.ID, LotID: lotID}
			if err := s.checkQuarantine(ctx, key); err != nil {
				return err
			}
			seen, err := tx.HasLedgerHistory(ctx, key)
			if err != nil {
				return err
			}
			if seen {
				return fmt.Errorf("%w: %s", ErrDuplicateOpeningBalance, key)
			}
			if _, err := applyDelta(ctx, tx, key, rl.qtyBase, decimal.Zero, false); err != nil {
				return err
			}
			holder := rl.line.Holder
			entry := LedgerEntry{
				UID:        uuid.New(),
				TxType:     TxTypeOpeningBalance,
				TxTime:     txTime,
				CreatedBy:  input.ActorID,
				ToHolder:   &holder,
				ItemID:     rl.item.ID,
				LotID:      lotID,
				QtyBase:    rl.qtyBase,
				EnteredQty: rl.line.Qty,
				EnteredUOM: rl.line.UOM,
				Reference:  input.Reference,
				Notes:      input.Notes,
			}
			id, err := tx.InsertLedgerEntry(ctx, entry)
			if err != nil {
				return err
			}
			entry.ID = id
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdempotencyKey)
		}
		return nil, err
	}
	s.recordAudit(ctx, input.ActorID, TxTypeOpeningBalance, BalanceKey{}, decimal.Zero, map[string]any{"lines": len(entries)})
	return entries, nil
}

// movement carries the resolved parameters shared by all posting operations.
type movement struct {
	txType            TxType
	from              *Holder
	to                *Holder
	item              catalog.Item
	lotID             int64
	newLot            *LotInput
	containers        []ContainerInput
	containerID       int64
	qtyBase           decimal.Decimal
	enteredQty        decimal.Decimal
	enteredUOM        string
	reasonCodeID      int64
	allowNegative     bool
	overrideNote      string
	actorID           int64
	reference         string
	notes             string
	metadata          map[string]any
	txTime            time.Time
	idemKey           string
	drainContainer    bool
	fillContainer     bool
	relocateContainer bool
	disposeContainer  bool
}

// post runs the shared write path: resolve the lot (FEFO when absent), check
// the quarantine, apply balance deltas under row locks, mutate containers,
// and append exactly one ledger entry -- all inside one transaction.
func (s *Service) post(ctx context.Context, m movement) (LedgerEntry, error) {
	if !m.qtyBase.IsPositive() {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	txTime := m.txTime
	if txTime.IsZero() {
		txTime = time.Now().UTC()
	}
	insertedKey, err := s.reserveIdemKey(ctx, m.idemKey)
	if err != nil {
		return LedgerEntry{}, err
	}

	var entry LedgerEntry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lotID, err := s.resolveLot(ctx, tx, m)
		if err != nil {
			return err
		}
		if containerTracked(m.item) && lotID != 0 && m.containerID == 0 && m.txType != TxTypeReceipt {
			return ErrContainerRequired
		}

		if m.from != nil {
			key := BalanceKey{Holder: *m.from, ItemID: m.item.ID, LotID: lotID}
			if err := s.checkQuarantine(ctx, key); err != nil {
				return err
			}
			if _, err := applyDelta(ctx, tx, key, m.qtyBase.Neg(), decimal.Zero, m.allowNegative); err != nil {
				return err
			}
		}
		if m.to != nil {
			key := BalanceKey{Holder: *m.to, ItemID: m.item.ID, LotID: lotID}
			if err := s.checkQuarantine(ctx, key); err != nil {
				return err
			}
			if _, err := applyDelta(ctx, tx, key, m.qtyBase, decimal.Zero, true); err != nil {
				return err
			}
		}

		if err := s.applyContainerEffects(ctx, tx, m, lotID); err != nil {
			return err
		}

		notes := m.notes
		if m.allowNegative && m.overrideNote != "" {
			notes = appendNote(notes, "negative-stock override: "+m.overrideNote)
		}
		entry = LedgerEntry{
			UID:          uuid.New(),
			TxType:       m.txType,
			TxTime:       txTime,
			CreatedBy:    m.actorID,
			FromHolder:   m.from,
			ToHolder:     m.to,
			ItemID:       m.item.ID,
			LotID:        lotID,
			ContainerID:  m.containerID,
			QtyBase:      m.qtyBase,
			EnteredQty:   m.enteredQty,
			EnteredUOM:   m.enteredUOM,
			ReasonCodeID: m.reasonCodeID,
			Reference:    m.reference,
			Notes:        notes,
			Metadata:     m.metadata,
		}
		id, err := tx.InsertLedgerEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = id
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, m.idemKey)
		}
		return LedgerEntry{}, err
	}

	auditKey := BalanceKey{ItemID: m.item.ID, LotID: entry.LotID}
	if m.from != nil {
		auditKey.Holder = *m.from
	} else if m.to != nil {
		auditKey.Holder = *m.to
	}
	s.recordAudit(ctx, m.actorID, m.txType, auditKey, m.qtyBase, map[string]any{
		"entry_uid":     entry.UID.String(),
		"entered_qty":   m.enteredQty.String(),
		"entered_uom":   m.enteredUOM,
		"override_note": m.overrideNote,
	})
	return entry, nil
}

// resolveLot returns the lot id a movement operates on. Receipts may create
// the lot; outbound movements of lot-tracked items without an explicit lot
// fall back to FEFO selection over the source holder's stock.
func (s *Service) resolveLot(ctx context.Context, tx TxRepository, m movement) (int64, error) {
	if m.txType == TxTypeReceipt {
		return s.resolveLotForWrite(ctx, tx, m.item, m.lotID, m.newLot, m.txTime)
	}
	if !lotTracked(m.item) {
		// Lots are not recorded for untracked items; balances aggregate
		// across the whole item.
		return 0, nil
	}
	if m.lotID != 0 {
		lot, err := tx.GetLot(ctx, m.lotID)
		if err != nil {
			return 0, err
		}
		if lot.ItemID != m.item.ID {
			return 0, ErrLotNotFound
		}
		return lot.ID, nil
	}
	if m.from == nil {
		return 0, ErrLotRequired
	}
	lots, err := tx.ListLotStock(ctx, *m.from, m.item.ID)
	if err != nil {
		return 0, err
	}
	lot, err := selectLotFEFO(lots, m.qtyBase)
	if err != nil {
		return 0, err
	}
	return lot.ID, nil
}

func (s *Service) resolveLotForWrite(ctx context.Context, tx TxRepository, item catalog.Item, lotID int64, newLot *LotInput, txTime time.Time) (int64, error) {
	if !lotTracked(item) {
		// Balances for untracked items aggregate across the whole item, so
		// no lot is recorded on their entries either; replay stays exact.
		return 0, nil
	}
	if lotID != 0 {
		lot, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return 0, err
		}
		if lot.ItemID != item.ID {
			return 0, ErrLotNotFound
		}
		return lot.ID, nil
	}
	if newLot == nil || newLot.LotNumber == "" {
		return 0, ErrLotRequired
	}
	existing, err := tx.FindLotByNumber(ctx, item.ID, newLot.LotNumber)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, ErrLotNotFound) {
		return 0, err
	}
	received := newLot.ReceivedDate
	if received.IsZero() {
		received = txTime
		if received.IsZero() {
			received = time.Now().UTC()
		}
	}
	id, err := tx.InsertLot(ctx, Lot{
		ItemID:       item.ID,
		SupplierID:   newLot.SupplierID,
		LotNumber:    newLot.LotNumber,
		ReceivedDate: received,
		ExpiryDate:   newLot.ExpiryDate,
		DocumentRef:  newLot.DocumentRef,
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// applyContainerEffects performs the container-side mutations tied to the
// movement: creation on receipt, drain/fill on consume/adjust/dispose, and
// relocation when a transfer moves a container's full contents.
func (s *Service) applyContainerEffects(ctx context.Context, tx TxRepository, m movement, lotID int64) error {
	if m.txType == TxTypeReceipt {
		return s.createContainers(ctx, tx, m, lotID)
	}
	if m.containerID == 0 {
		return nil
	}
	c, err := tx.GetContainerForUpdate(ctx, m.containerID)
	if err != nil {
		return err
	}
	if lotID != 0 && c.LotID != lotID {
		return ErrContainerNotFound
	}
	if c.Status != ContainerInStock {
		return ErrContainerNotInStock
	}
	switch {
	case m.drainContainer:
		c, err = applyContainerDelta(c, m.qtyBase.Neg(), m.disposeContainer)
	case m.fillContainer:
		c, err = applyContainerDelta(c, m.qtyBase, false)
	case m.relocateContainer:
		if m.to != nil && c.CurrentQty.Equal(m.qtyBase) {
			c.Location = *m.to
		}
	}
	if err != nil {
		return err
	}
	return tx.UpdateContainer(ctx, c)
}

func (s *Service) createContainers(ctx context.Context, tx TxRepository, m movement, lotID int64) error {
	if len(m.containers) == 0 {
		return nil
	}
	sum := decimal.Zero
	converted := make([]decimal.Decimal, len(m.containers))
	for i, ci := range m.containers {
		qty, err := s.units.Convert(ci.Qty, m.enteredUOM, m.item.BaseUnit)
		if err != nil {
			return mapUnitErr(err)
		}
		if !qty.IsPositive() {
			return ErrInvalidQuantity
		}
		converted[i] = qty
		sum = sum.Add(qty)
	}
	if !sum.Equal(m.qtyBase) {
		return ErrContainerQtyMismatch
	}
	for i, ci := range m.containers {
		c := Container{
			LotID:      lotID,
			Code:       ci.Code,
			InitialQty: converted[i],
			CurrentQty: converted[i],
			Status:     ContainerInStock,
		}
		if m.to != nil {
			c.Location = *m.to
		}
		if _, err := tx.InsertContainer(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// applyContainerDelta enforces the container bound and the status transition
// rules: reaching zero flips to EMPTY, or DISPOSED for disposal drains.
func applyContainerDelta(c Container, delta decimal.Decimal, dispose bool) (Container, error) {
	next := c.CurrentQty.Add(delta)
	if next.IsNegative() || next.GreaterThan(c.InitialQty) {
		return c, ErrContainerQtyBound
	}
	c.CurrentQty = next
	if next.IsZero() {
		if dispose {
			c.Status = ContainerDisposed
		} else {
			c.Status = ContainerEmpty
		}
	}
	return c, nil
}

// applyDelta is the sole balance mutation path. It re-reads the row under a
// lock, re-checks the non-negative invariant, and upserts the new value.
func applyDelta(ctx context.Context, tx TxRepository, key BalanceKey, deltaOnHand, deltaReserved decimal.Decimal, allowNegative bool) (Balance, error) {
	bal, err := tx.GetBalanceForUpdate(ctx, key)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Balance{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		bal = Balance{Key: key, QtyOnHand: decimal.Zero, QtyReserved: decimal.Zero}
	}
	newOnHand := bal.QtyOnHand.Add(deltaOnHand)
	if newOnHand.IsNegative() && !allowNegative {
		return Balance{}, ErrInsufficientStock
	}
	newReserved := bal.QtyReserved.Add(deltaReserved)
	if newReserved.IsNegative() {
		newReserved = decimal.Zero
	}
	bal.QtyOnHand = newOnHand
	bal.QtyReserved = newReserved
	if err := tx.UpsertBalance(ctx, bal); err != nil {
		return Balance{}, err
	}
	return bal, nil
}

func (s *Service) resolveItemQty(ctx context.Context, itemID int64, qty decimal.Decimal, unit string) (catalog.Item, decimal.Decimal, decimal.Decimal, error) {
	if !qty.IsPositive() {
		return catalog.Item{}, decimal.Zero, decimal.Zero, ErrInvalidQuantity
	}
	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			return catalog.Item{}, decimal.Zero, decimal.Zero, ErrItemNotFound
		}
		return catalog.Item{}, decimal.Zero, decimal.Zero, err
	}
	qtyBase, err := s.units.Convert(qty, unit, item.BaseUnit)
	if err != nil {
		return catalog.Item{}, decimal.Zero, decimal.Zero, mapUnitErr(err)
	}
	if !qtyBase.IsPositive() {
		return catalog.Item{}, decimal.Zero, decimal.Zero, ErrInvalidQuantity
	}
	return item, qtyBase, qty, nil
}

func (s *Service) checkHolder(ctx context.Context, h Holder) error {
	if !h.Valid() {
		return ErrInvalidHolder
	}
	if s.directory == nil {
		return nil
	}
	ok, err := s.directory.HolderExists(ctx, catalog.HolderRef{Type: string(h.Type), ID: h.ID})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidHolder, h)
	}
	return nil
}

func (s *Service) checkReason(ctx context.Context, reasonCodeID int64, category catalog.ReasonCategory) error {
	if reasonCodeID == 0 {
		return ErrReasonCodeRequired
	}
	rc, err := s.catalog.GetReasonCode(ctx, reasonCodeID)
	if err != nil {
		if errors.Is(err, catalog.ErrReasonCodeNotFound) {
			return fmt.Errorf("%w: id %d", ErrReasonCodeRequired, reasonCodeID)
		}
		return err
	}
	if rc.Category != category {
		return fmt.Errorf("%w: %s is not a %s code", ErrReasonCodeRequired, rc.Code, category)
	}
	return nil
}

func (s *Service) checkQuarantine(ctx context.Context, key BalanceKey) error {
	if s.quarantine == nil {
		return nil
	}
	flagged, err := s.quarantine.IsFlagged(ctx, key)
	if err != nil {
		return err
	}
	if flagged {
		return fmt.Errorf("%w: %s", ErrKeyQuarantined, key)
	}
	return nil
}

// reserveIdemKey claims the caller's key before the transaction opens; post
// compensates with Delete when the operation fails. A crash between the two
// strands the key until the reconcile job's retention sweep removes it.
func (s *Service) reserveIdemKey(ctx context.Context, key string) (bool, error) {
	if s.idempotency == nil || key == "" {
		return false, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, txType TxType, key BalanceKey, qty decimal.Decimal, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["holder"] = key.Holder.String()
	meta["item_id"] = key.ItemID
	meta["lot_id"] = key.LotID
	meta["qty_base"] = qty.String()
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   fmt.Sprintf("inventory:%s", txType),
		Entity:   "inventory_ledger",
		EntityID: key.String(),
		Meta:     meta,
	})
}

func checkOverride(allowNegative bool, overrideNote string) error {
	if allowNegative && overrideNote == "" {
		return ErrOverrideNoteRequired
	}
	return nil
}

func containerTracked(item catalog.Item) bool {
	return item.RequiresContainerTracking || item.IsControlled
}

// lotTracked reports whether movements of the item must carry a lot.
// Container tracking implies lot tracking: containers are registered under a
// lot, so container-level custody without a lot has nowhere to hang.
func lotTracked(item catalog.Item) bool {
	return item.RequiresLotTracking || containerTracked(item)
}

func mapUnitErr(err error) error {
	if errors.Is(err, uom.ErrIncompatibleUnit) || errors.Is(err, uom.ErrUnknownUnit) {
		return fmt.Errorf("%w: %v", ErrIncompatibleUnit, err)
	}
	return err
}

func appendNote(notes, extra string) string {
	if notes == "" {
		return extra
	}
	return notes + "; " + extra
}
