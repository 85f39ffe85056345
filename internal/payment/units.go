package payment

import "strings"

// Units describes the base unit users reason in and the unit the backend transacts in.
type Units struct {
	BaseUnit        string  `json:"base_unit"`
	TransactionUnit string  `json:"transaction_unit"`
	Rate            float64 `json:"rate"`
}

// DefaultUnits returns the unit pair for a backend.
func DefaultUnits(backend string) Units {
	switch strings.ToUpper(backend) {
	case BackendERC20:
		return Units{BaseUnit: "token", TransactionUnit: "wei", Rate: 1e18}
	default:
		return Units{BaseUnit: "IOTA", TransactionUnit: "micro", Rate: 1e6}
	}
}

// ToTransaction converts a base-unit amount.
func (units Units) ToTransaction(value float64) float64 {
	if units.Rate == 0 {
		return value
	}
	return value * units.Rate
}

// ToBase converts a transaction-unit amount.
func (units Units) ToBase(value float64) float64 {
	if units.Rate == 0 {
		return value
	}
	return value / units.Rate
}
