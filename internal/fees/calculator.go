// Package fees prices a booking from its base price and the configured
// fee schedule.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/howweplan/bookingcore/internal/domain"
)

var tenThousand = decimal.NewFromInt(10_000)

// Schedule is the fee configuration in basis points (1/100 of a percent).
type Schedule struct {
	BookingFeeBps int64
	CommissionBps int64
	MinBasePrice  int64
	MaxBasePrice  int64
	Currency      string
}

type Calculator struct {
	schedule Schedule
}

func NewCalculator(s Schedule) *Calculator {
	return &Calculator{schedule: s}
}

// Validate checks base price against the configured bounds.
func (c *Calculator) Validate(basePrice int64) error {
	if basePrice <= 0 || basePrice < c.schedule.MinBasePrice {
		return domain.ErrPriceOutOfRange
	}
	if c.schedule.MaxBasePrice > 0 && basePrice > c.schedule.MaxBasePrice {
		return domain.ErrPriceOutOfRange
	}
	return nil
}

// Compute returns the fee breakdown for basePrice. Percentages are rounded
// half away from zero to whole minor units.
func (c *Calculator) Compute(basePrice int64) (domain.FeeBreakdown, error) {
	if err := c.Validate(basePrice); err != nil {
		return domain.FeeBreakdown{}, err
	}
	base := decimal.NewFromInt(basePrice)
	bookingFee := portion(base, c.schedule.BookingFeeBps)
	commission := portion(base, c.schedule.CommissionBps)

	return domain.FeeBreakdown{
		BasePrice:          basePrice,
		BookingFee:         bookingFee,
		PlatformCommission: commission,
		TotalCharged:       basePrice + bookingFee,
		AgentPayout:        basePrice - commission,
		Currency:           c.schedule.Currency,
	}, nil
}

func portion(base decimal.Decimal, bps int64) int64 {
	return base.Mul(decimal.NewFromInt(bps)).Div(tenThousand).Round(0).IntPart()
}
