// Package catalog exposes the read-only reference data the inventory core
// consumes: item definitions, adjustment/disposal reason codes, and the
// holder directory. The records are owned by the wider asset-management
// application; this package never writes them.
package catalog

import "errors"

// Item is a consumable/chemical definition.
type Item struct {
	ID                        int64
	Code                      string
	Name                      string
	BaseUnit                  string
	RequiresLotTracking       bool
	RequiresContainerTracking bool
	IsControlled              bool
	IsHazardous               bool
}

// ReasonCategory scopes reason codes to the operation they justify.
type ReasonCategory string

const (
	ReasonCategoryAdjust  ReasonCategory = "ADJUST"
	ReasonCategoryDispose ReasonCategory = "DISPOSE"
)

// ReasonCode is a lookup entry for adjustments and disposals.
type ReasonCode struct {
	ID          int64
	Category    ReasonCategory
	Code        string
	Description string
	Active      bool
}

// HolderRef is a structural holder identity: type plus directory id.
type HolderRef struct {
	Type string
	ID   int64
}

// ErrItemNotFound indicates an unknown item id.
var ErrItemNotFound = errors.New("catalog: item not found")

// ErrReasonCodeNotFound indicates an unknown or inactive reason code.
var ErrReasonCodeNotFound = errors.New("catalog: reason code not found")
