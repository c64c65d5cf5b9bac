package mysql

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts are stored as DECIMAL(12,2) and handled everywhere else as integer
// minor units.

func toMinor(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(2)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than two decimal places", d.String())
	}
	return scaled.IntPart(), nil
}

func fromMinor(v int64) string {
	return decimal.New(v, -2).StringFixed(2)
}
