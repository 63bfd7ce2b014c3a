package ledger

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"shipcover/insurance/fault"
)

// Drops is an amount of XRP in the smallest indivisible unit.
type Drops uint64

const (
	DropsPerXRP = 1_000_000
	// MaxDrops is the total XRP supply; no native amount can exceed it.
	MaxDrops Drops = 100_000_000_000 * DropsPerXRP
)

var dropsPerXRP = decimal.NewFromInt(DropsPerXRP)

// ToDrops converts a decimal XRP amount to drops, rounding to the nearest drop.
// Zero, negative, and amounts that round to zero drops are configuration errors.
func ToDrops(xrp string) (Drops, error) {
	trimmed := strings.TrimSpace(xrp)
	if trimmed == "" {
		return 0, fault.New(fault.KindConfiguration, "amount is required")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fault.Wrap(fault.KindConfiguration, err, "amount %q is not a decimal", trimmed)
	}
	return DecimalToDrops(d)
}

// DecimalToDrops is ToDrops for an already parsed amount.
func DecimalToDrops(xrp decimal.Decimal) (Drops, error) {
	if !xrp.IsPositive() {
		return 0, fault.New(fault.KindConfiguration, "amount %s must be positive", xrp.String())
	}
	drops := xrp.Mul(dropsPerXRP).Round(0)
	if drops.IsZero() {
		return 0, fault.New(fault.KindConfiguration, "amount %s rounds to zero drops", xrp.String())
	}
	if drops.GreaterThan(decimal.NewFromInt(int64(MaxDrops))) {
		return 0, fault.New(fault.KindConfiguration, "amount %s exceeds the XRP supply", xrp.String())
	}
	return Drops(drops.IntPart()), nil
}

// XRP renders the amount in whole units.
func (d Drops) XRP() decimal.Decimal {
	return decimal.NewFromInt(int64(d)).Div(dropsPerXRP)
}

// String returns the integer drops string used on the wire.
func (d Drops) String() string {
	return strconv.FormatUint(uint64(d), 10)
}

// ParseDrops reads an integer drops string as returned by the node.
func ParseDrops(s string) (Drops, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return Drops(v), nil
}
