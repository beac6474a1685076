package domain

// FeeBreakdown is the priced composition of a booking, in minor currency
// units. TotalCharged = BasePrice + BookingFee and
// AgentPayout = BasePrice - PlatformCommission.
type FeeBreakdown struct {
	BasePrice          int64
	BookingFee         int64
	PlatformCommission int64
	TotalCharged       int64
	AgentPayout        int64
	Currency           string
}

// PlatformRevenue is what the platform keeps once the agent is paid.
func (f FeeBreakdown) PlatformRevenue() int64 {
	return f.TotalCharged - f.AgentPayout
}
