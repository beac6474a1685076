package domain

import "time"

type BookingState string

const (
	BookingPendingPayment   BookingState = "PENDING_PAYMENT"
	BookingPaymentConfirmed BookingState = "PAYMENT_CONFIRMED"
	BookingAgentConfirmed   BookingState = "AGENT_CONFIRMED"
	BookingCompleted        BookingState = "COMPLETED"
	BookingCancelled        BookingState = "CANCELLED"
)

func (s BookingState) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

type CancellationReason string

const (
	CancelUserRequested    CancellationReason = "user_requested"
	CancelAgentDeclined    CancellationReason = "agent_declined"
	CancelAgentUnavailable CancellationReason = "agent_unavailable"
	CancelPaymentFailed    CancellationReason = "payment_failed"
	CancelExpired          CancellationReason = "expired"
	CancelAdminCancelled   CancellationReason = "admin_cancelled"
)

var cancellationRoles = map[CancellationReason][]Role{
	CancelUserRequested:    {RoleTraveler, RoleAdmin},
	CancelAgentDeclined:    {RoleAgent, RoleAdmin},
	CancelAgentUnavailable: {RoleAgent, RoleAdmin},
	CancelPaymentFailed:    {RoleSystem, RoleAdmin},
	CancelExpired:          {RoleSystem, RoleAdmin},
	CancelAdminCancelled:   {RoleAdmin},
}

func (r CancellationReason) Valid() bool {
	_, ok := cancellationRoles[r]
	return ok
}

// CheckCancellationActor verifies role may cancel for reason r.
func CheckCancellationActor(r CancellationReason, role Role) error {
	allowed, ok := cancellationRoles[r]
	if !ok {
		return ErrInvalidReason
	}
	if !roleAllowed(role, allowed) {
		return unauthorizedActor(role, allowed)
	}
	return nil
}

// Booking is one commercial transaction between a traveler and an agent.
type Booking struct {
	ID                      string
	TravelerID              string
	AgentID                 string
	ItineraryRef            string
	State                   BookingState
	PaymentState            PaymentState
	Fees                    FeeBreakdown
	TripStart               time.Time
	TripEnd                 time.Time
	CancellationReason      *CancellationReason
	CancelledBy             *Actor
	CancelledAt             *time.Time
	AdminReason             string
	AgentConfirmedAt        *time.Time
	CompletedAt             *time.Time
	EscrowReleaseEligibleAt *time.Time
	Version                 int64
	// CreatedBy is the id of the actor whose idempotency key created the
	// booking. Keys are unique per creator.
	CreatedBy               string
	IdempotencyKey          string
	RequestFingerprint      string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type bookingEdge struct {
	from   BookingState
	to     BookingState
	actors []Role
}

var bookingTable = []bookingEdge{
	{BookingPendingPayment, BookingPaymentConfirmed, []Role{RoleSystem}},
	{BookingPaymentConfirmed, BookingAgentConfirmed, []Role{RoleAgent, RoleAdmin}},
	{BookingAgentConfirmed, BookingCompleted, []Role{RoleSystem, RoleAdmin, RoleAgent}},
	{BookingPendingPayment, BookingCancelled, []Role{RoleTraveler, RoleAgent, RoleAdmin, RoleSystem}},
	{BookingPaymentConfirmed, BookingCancelled, []Role{RoleTraveler, RoleAgent, RoleAdmin, RoleSystem}},
	{BookingAgentConfirmed, BookingCancelled, []Role{RoleTraveler, RoleAgent, RoleAdmin, RoleSystem}},
}

// BookingTargets lists states reachable from s.
func BookingTargets(s BookingState) []string {
	var out []string
	for _, e := range bookingTable {
		if e.from == s {
			out = append(out, string(e.to))
		}
	}
	return out
}

// CanReachBooking reports whether target is one step away from s.
func CanReachBooking(s, target BookingState) bool {
	for _, e := range bookingTable {
		if e.from == s && e.to == target {
			return true
		}
	}
	return false
}

// CheckBookingTransition validates target and actor against the table.
func CheckBookingTransition(b Booking, target BookingState, actor Actor) error {
	var edge *bookingEdge
	for i := range bookingTable {
		if bookingTable[i].from == b.State && bookingTable[i].to == target {
			edge = &bookingTable[i]
			break
		}
	}
	if edge == nil {
		return invalidTransition(string(b.State), string(target), BookingTargets(b.State))
	}
	if !roleAllowed(actor.Role, edge.actors) {
		return unauthorizedActor(actor.Role, edge.actors)
	}
	return nil
}

// TransitionBooking validates and applies one state change, returning the
// next version of b. b itself is not modified.
func TransitionBooking(b Booking, target BookingState, actor Actor, now time.Time) (Booking, error) {
	if err := CheckBookingTransition(b, target, actor); err != nil {
		return Booking{}, err
	}

	next := b
	next.State = target
	next.Version = b.Version + 1
	next.UpdatedAt = now

	switch target {
	case BookingAgentConfirmed:
		t := now
		next.AgentConfirmedAt = &t
	case BookingCompleted:
		t := now
		next.CompletedAt = &t
	}
	return next, nil
}

// Party reports whether the actor is the traveler or agent on b, or an
// admin/system principal acting on their behalf.
func (b Booking) Party(a Actor) bool {
	switch a.Role {
	case RoleTraveler:
		return a.ID == b.TravelerID
	case RoleAgent:
		return a.ID == b.AgentID
	case RoleAdmin, RoleSystem:
		return true
	}
	return false
}
