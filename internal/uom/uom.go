// Package uom provides the unit-of-measure conversion table used to normalise
// entered quantities into each item's base unit before posting.
package uom

import (
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Group classifies units that convert among each other.
type Group string

const (
	GroupMass   Group = "mass"
	GroupVolume Group = "volume"
	GroupCount  Group = "count"
)

// Unit describes a single unit code and its multiplier into the group base.
type Unit struct {
	Code   string
	Group  Group
	ToBase decimal.Decimal
}

// StorageScale is the number of decimal places quantities are stored with.
// All conversions round to this scale before any balance check.
const StorageScale = 6

// ErrUnknownUnit indicates a unit code absent from the table.
var ErrUnknownUnit = errors.New("uom: unknown unit")

// ErrIncompatibleUnit indicates a conversion across unit groups.
var ErrIncompatibleUnit = errors.New("uom: incompatible unit")

// Table holds the loaded conversion table. It is immutable after construction
// and safe for concurrent use.
type Table struct {
	units map[string]Unit
}

// NewTable builds a Table from the given units. Codes are case-insensitive.
func NewTable(units ...Unit) *Table {
	m := make(map[string]Unit, len(units))
	for _, u := range units {
		m[normalise(u.Code)] = u
	}
	return &Table{units: m}
}

// DefaultTable returns the standard table covering mass, volume and count
// units stocked by the stores.
func DefaultTable() *Table {
	return NewTable(
		Unit{Code: "mg", Group: GroupMass, ToBase: decimal.RequireFromString("0.001")},
		Unit{Code: "g", Group: GroupMass, ToBase: decimal.NewFromInt(1)},
		Unit{Code: "kg", Group: GroupMass, ToBase: decimal.NewFromInt(1000)},
		Unit{Code: "mL", Group: GroupVolume, ToBase: decimal.NewFromInt(1)},
		Unit{Code: "L", Group: GroupVolume, ToBase: decimal.NewFromInt(1000)},
		Unit{Code: "EA", Group: GroupCount, ToBase: decimal.NewFromInt(1)},
		Unit{Code: "DZ", Group: GroupCount, ToBase: decimal.NewFromInt(12)},
		Unit{Code: "BX", Group: GroupCount, ToBase: decimal.NewFromInt(1)},
	)
}

// Lookup returns the unit definition for a code.
func (t *Table) Lookup(code string) (Unit, error) {
	u, ok := t.units[normalise(code)]
	if !ok {
		return Unit{}, ErrUnknownUnit
	}
	return u, nil
}

// Convert converts qty expressed in fromCode into the base unit baseCode,
// rounded to StorageScale. Both units must belong to the same group.
func (t *Table) Convert(qty decimal.Decimal, fromCode, baseCode string) (decimal.Decimal, error) {
	from, err := t.Lookup(fromCode)
	if err != nil {
		return decimal.Zero, err
	}
	base, err := t.Lookup(baseCode)
	if err != nil {
		return decimal.Zero, err
	}
	if from.Group != base.Group {
		return decimal.Zero, ErrIncompatibleUnit
	}
	converted := qty.Mul(from.ToBase).Div(base.ToBase)
	return converted.Round(StorageScale), nil
}

// CompatibleUnits lists every unit convertible into baseCode, sorted by code.
func (t *Table) CompatibleUnits(baseCode string) ([]Unit, error) {
	base, err := t.Lookup(baseCode)
	if err != nil {
		return nil, err
	}
	var out []Unit
	for _, u := range t.units {
		if u.Group == base.Group {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func normalise(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
