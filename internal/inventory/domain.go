// Package inventory implements the consumable/chemical stock ledger: an
// append-only movement log with materialised per-(holder,item,lot) balances,
// lot and container traceability, FEFO allocation, and unit normalisation.
package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxType enumerates supported stock movements.
type TxType string

const (
	TxTypeReceipt        TxType = "RECEIPT"
	TxTypeTransfer       TxType = "TRANSFER"
	TxTypeConsume        TxType = "CONSUME"
	TxTypeAdjust         TxType = "ADJUST"
	TxTypeDispose        TxType = "DISPOSE"
	TxTypeReturn         TxType = "RETURN"
	TxTypeOpeningBalance TxType = "OPENING_BALANCE"
)

// HolderType discriminates the holder sum type.
type HolderType string

const (
	HolderOffice      HolderType = "OFFICE"
	HolderStore       HolderType = "STORE"
	HolderEmployee    HolderType = "EMPLOYEE"
	HolderSubLocation HolderType = "SUB_LOCATION"
)

// Holder identifies any entity that can physically possess stock. Identity is
// structural: the (type, id) pair is the whole key.
type Holder struct {
	Type HolderType `json:"holderType"`
	ID   int64      `json:"holderId"`
}

// Valid reports whether the holder carries a known type and a positive id.
func (h Holder) Valid() bool {
	switch h.Type {
	case HolderOffice, HolderStore, HolderEmployee, HolderSubLocation:
		return h.ID > 0
	}
	return false
}

func (h Holder) String() string {
	return fmt.Sprintf("%s:%d", h.Type, h.ID)
}

// AdjustDirection selects the sign of an adjustment.
type AdjustDirection string

const (
	AdjustIncrease AdjustDirection = "INCREASE"
	AdjustDecrease AdjustDirection = "DECREASE"
)

// ContainerStatus tracks the lifecycle of a physical container.
type ContainerStatus string

const (
	ContainerInStock  ContainerStatus = "IN_STOCK"
	ContainerEmpty    ContainerStatus = "EMPTY"
	ContainerDisposed ContainerStatus = "DISPOSED"
	ContainerLost     ContainerStatus = "LOST"
)

// Lot is a received batch of an item. Created on receipt, never deleted.
type Lot struct {
	ID           int64      `json:"id"`
	ItemID       int64      `json:"itemId"`
	SupplierID   int64      `json:"supplierId,omitempty"`
	LotNumber    string     `json:"lotNumber"`
	ReceivedDate time.Time  `json:"receivedDate"`
	ExpiryDate   *time.Time `json:"expiryDate,omitempty"`
	DocumentRef  string     `json:"documentRef,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Container is a physically trackable sub-unit of a lot.
type Container struct {
	ID         int64           `json:"id"`
	LotID      int64           `json:"lotId"`
	Code       string          `json:"code"`
	InitialQty decimal.Decimal `json:"initialQty"`
	CurrentQty decimal.Decimal `json:"currentQty"`
	Location   Holder          `json:"location"`
	Status     ContainerStatus `json:"status"`
}

// BalanceKey addresses one materialised balance row. LotID is zero for items
// that do not require lot tracking.
type BalanceKey struct {
	Holder Holder `json:"holder"`
	ItemID int64  `json:"itemId"`
	LotID  int64  `json:"lotId"`
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", k.Holder.Type, k.Holder.ID, k.ItemID, k.LotID)
}

// Balance is the current on-hand/reserved quantity for one key, in the item's
// base unit. It must equal the signed sum of all ledger entries for the key.
type Balance struct {
	Key         BalanceKey      `json:"key"`
	QtyOnHand   decimal.Decimal `json:"qtyOnHand"`
	QtyReserved decimal.Decimal `json:"qtyReserved"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// LedgerEntry is one immutable signed movement. QtyBase is always positive;
// direction is encoded by which holder fields are populated, not by sign.
type LedgerEntry struct {
	ID           int64           `json:"id"`
	UID          uuid.UUID       `json:"uid"`
	TxType       TxType          `json:"txType"`
	TxTime       time.Time       `json:"txTime"`
	CreatedBy    int64           `json:"createdBy,omitempty"`
	FromHolder   *Holder         `json:"from,omitempty"`
	ToHolder     *Holder         `json:"to,omitempty"`
	ItemID       int64           `json:"itemId"`
	LotID        int64           `json:"lotId"`
	ContainerID  int64           `json:"containerId,omitempty"`
	QtyBase      decimal.Decimal `json:"qtyBase"`
	EnteredQty   decimal.Decimal `json:"enteredQty"`
	EnteredUOM   string          `json:"enteredUom"`
	ReasonCodeID int64           `json:"reasonCodeId,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// LotStock pairs a lot with its available balance at one holder. Used by FEFO
// selection.
type LotStock struct {
	Lot       Lot
	Available decimal.Decimal
}

// ExpiringLot is one expiry-window report row.
type ExpiringLot struct {
	Lot          Lot             `json:"lot"`
	Holder       Holder          `json:"holder"`
	QtyOnHand    decimal.Decimal `json:"qtyOnHand"`
	DaysToExpiry int             `json:"daysToExpiry"`
}

// LedgerFilter narrows ledger queries. Zero values mean "any".
type LedgerFilter struct {
	From   time.Time
	To     time.Time
	Holder *Holder
	ItemID int64
	LotID  int64
	TxType TxType
	Limit  int
	Offset int
}

// BalanceFilter narrows balance listings. Zero values mean "any".
type BalanceFilter struct {
	HolderType HolderType
	HolderID   int64
	ItemID     int64
	LotID      int64
}

// RollupRow aggregates on-hand quantity across lots for one holder+item.
type RollupRow struct {
	Holder    Holder          `json:"holder"`
	ItemID    int64           `json:"itemId"`
	QtyOnHand decimal.Decimal `json:"qtyOnHand"`
}

// ExpiryFilter selects lots expiring within the window [now, now+Days].
type ExpiryFilter struct {
	Days       int
	HolderType HolderType
	HolderID   int64
}

// Engine error taxonomy. Validation and state errors are returned
// synchronously; no operation partially applies.
var (
	ErrItemNotFound            = errors.New("inventory: item not found")
	ErrLotRequired             = errors.New("inventory: lot required for lot-tracked item")
	ErrLotNotFound             = errors.New("inventory: lot not found")
	ErrContainerRequired       = errors.New("inventory: container required for tracked item")
	ErrContainerNotFound       = errors.New("inventory: container not found")
	ErrContainerNotInStock     = errors.New("inventory: container not in stock")
	ErrContainerQtyMismatch    = errors.New("inventory: container quantities do not sum to received quantity")
	ErrContainerQtyBound       = errors.New("inventory: container quantity outside [0, initial]")
	ErrIncompatibleUnit        = errors.New("inventory: unit not convertible to item base unit")
	ErrInsufficientStock       = errors.New("inventory: insufficient stock")
	ErrInvalidHolder           = errors.New("inventory: invalid holder")
	ErrReasonCodeRequired      = errors.New("inventory: reason code required")
	ErrInvalidQuantity         = errors.New("inventory: quantity must be positive")
	ErrOverrideNoteRequired    = errors.New("inventory: override note required when allowing negative stock")
	ErrDuplicateOpeningBalance = errors.New("inventory: ledger history already exists for key")
	ErrKeyQuarantined          = errors.New("inventory: key quarantined pending reconciliation")
	ErrSameHolder              = errors.New("inventory: source and destination holder must differ")
)
