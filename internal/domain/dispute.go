package domain

import (
	"strings"
	"time"
)

type DisputeState string

const (
	DisputePendingEvidence   DisputeState = "pending_evidence"
	DisputeEvidenceSubmitted DisputeState = "evidence_submitted"
	DisputeAgentResponded    DisputeState = "agent_responded"
	DisputeUnderAdminReview  DisputeState = "under_admin_review"
	DisputeEscalated         DisputeState = "escalated"
	DisputeResolvedRefund    DisputeState = "resolved_refund"
	DisputeResolvedPartial   DisputeState = "resolved_partial"
	DisputeResolvedDenied    DisputeState = "resolved_denied"
	DisputeClosedWithdrawn   DisputeState = "closed_withdrawn"
	DisputeClosedExpired     DisputeState = "closed_expired"
)

func (s DisputeState) Resolved() bool {
	switch s {
	case DisputeResolvedRefund, DisputeResolvedPartial, DisputeResolvedDenied:
		return true
	}
	return false
}

func (s DisputeState) Closed() bool {
	return s == DisputeClosedWithdrawn || s == DisputeClosedExpired
}

func (s DisputeState) Terminal() bool {
	return s.Resolved() || s.Closed()
}

type DisputeAction string

const (
	ActionSubmitEvidence     DisputeAction = "submit_evidence"
	ActionAgentRespond       DisputeAction = "agent_respond"
	ActionAdminStartReview   DisputeAction = "admin_start_review"
	ActionAdminEscalate      DisputeAction = "admin_escalate"
	ActionAdminResolveRefund DisputeAction = "admin_resolve_refund"
	ActionAdminResolvePart   DisputeAction = "admin_resolve_partial"
	ActionAdminResolveDenied DisputeAction = "admin_resolve_denied"
	ActionTravelerWithdraw   DisputeAction = "traveler_withdraw"
	ActionSystemExpire       DisputeAction = "system_expire"
)

type DisputeCategory string

const (
	ComplaintObjective  DisputeCategory = "objective"
	ComplaintSubjective DisputeCategory = "subjective"
)

type Resolution string

const (
	ResolutionFullRefund         Resolution = "full_refund"
	ResolutionPartialRefund      Resolution = "partial_refund"
	ResolutionCreditIssued       Resolution = "credit_issued"
	ResolutionNoRefundObjective  Resolution = "no_refund_objective"
	ResolutionNoRefundSubjective Resolution = "no_refund_subjective"
)

// ResolutionToAction maps a business outcome onto the transition that
// records it.
func ResolutionToAction(r Resolution) (DisputeAction, error) {
	switch r {
	case ResolutionFullRefund:
		return ActionAdminResolveRefund, nil
	case ResolutionPartialRefund, ResolutionCreditIssued:
		return ActionAdminResolvePart, nil
	case ResolutionNoRefundObjective, ResolutionNoRefundSubjective:
		return ActionAdminResolveDenied, nil
	}
	return "", ErrUnknownResolution
}

// CheckResolution enforces that subjective complaints only ever resolve to
// no_refund_subjective.
func CheckResolution(c DisputeCategory, r Resolution) error {
	if _, err := ResolutionToAction(r); err != nil {
		return err
	}
	if c == ComplaintSubjective && r != ResolutionNoRefundSubjective {
		return ErrSubjectiveNoRefund
	}
	return nil
}

// DefaultResolution picks the resolution recorded when a resolve action is
// applied without an explicit one.
func DefaultResolution(c DisputeCategory, a DisputeAction) Resolution {
	switch a {
	case ActionAdminResolveRefund:
		return ResolutionFullRefund
	case ActionAdminResolvePart:
		return ResolutionPartialRefund
	}
	if c == ComplaintSubjective {
		return ResolutionNoRefundSubjective
	}
	return ResolutionNoRefundObjective
}

type Evidence struct {
	Kind        string
	URI         string
	Note        string
	SubmittedBy Actor
	SubmittedAt time.Time
}

type Dispute struct {
	ID               string
	BookingID        string
	OpenedBy         Actor
	Category         DisputeCategory
	Description      string
	State            DisputeState
	Evidence         []Evidence
	Resolution       *Resolution
	ResolutionReason string
	RefundAmount     int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
}

type disputeEdge struct {
	from           []DisputeState
	action         DisputeAction
	to             DisputeState
	actors         []Role
	reasonRequired bool
}

var disputeTable = []disputeEdge{
	{[]DisputeState{DisputePendingEvidence}, ActionSubmitEvidence, DisputeEvidenceSubmitted, []Role{RoleTraveler}, false},
	{[]DisputeState{DisputeEvidenceSubmitted}, ActionAgentRespond, DisputeAgentResponded, []Role{RoleAgent}, false},
	{[]DisputeState{DisputeEvidenceSubmitted, DisputeAgentResponded}, ActionAdminStartReview, DisputeUnderAdminReview, []Role{RoleAdmin}, true},
	{[]DisputeState{DisputeUnderAdminReview}, ActionAdminEscalate, DisputeEscalated, []Role{RoleAdmin}, true},
	{[]DisputeState{DisputeUnderAdminReview, DisputeEscalated}, ActionAdminResolveRefund, DisputeResolvedRefund, []Role{RoleAdmin}, true},
	{[]DisputeState{DisputeUnderAdminReview, DisputeEscalated}, ActionAdminResolvePart, DisputeResolvedPartial, []Role{RoleAdmin}, true},
	{[]DisputeState{DisputeUnderAdminReview, DisputeEscalated}, ActionAdminResolveDenied, DisputeResolvedDenied, []Role{RoleAdmin}, true},
	{[]DisputeState{DisputePendingEvidence, DisputeEvidenceSubmitted, DisputeAgentResponded, DisputeUnderAdminReview}, ActionTravelerWithdraw, DisputeClosedWithdrawn, []Role{RoleTraveler}, true},
	{[]DisputeState{DisputePendingEvidence, DisputeEvidenceSubmitted}, ActionSystemExpire, DisputeClosedExpired, []Role{RoleSystem}, true},
}

// DisputeActions lists the actions defined from s.
func DisputeActions(s DisputeState) []string {
	var out []string
	for _, e := range disputeTable {
		for _, f := range e.from {
			if f == s {
				out = append(out, string(e.action))
			}
		}
	}
	return out
}

func findDisputeEdge(s DisputeState, a DisputeAction) *disputeEdge {
	for i := range disputeTable {
		if disputeTable[i].action != a {
			continue
		}
		for _, f := range disputeTable[i].from {
			if f == s {
				return &disputeTable[i]
			}
		}
	}
	return nil
}

// NextDisputeState validates action against the table in a fixed order:
// terminal state, transition existence, actor permission, reason.
func NextDisputeState(s DisputeState, a DisputeAction, role Role, reason string) (DisputeState, error) {
	if s.Resolved() {
		return "", &Error{Code: CodeAlreadyResolved, Message: "dispute already resolved as " + string(s)}
	}
	if s.Closed() {
		return "", &Error{Code: CodeAlreadyClosed, Message: "dispute already closed as " + string(s)}
	}
	edge := findDisputeEdge(s, a)
	if edge == nil {
		return "", invalidTransition(string(s), string(a), DisputeActions(s))
	}
	if !roleAllowed(role, edge.actors) {
		return "", unauthorizedActor(role, edge.actors)
	}
	if edge.reasonRequired && strings.TrimSpace(reason) == "" {
		return "", reasonRequired(string(a))
	}
	return edge.to, nil
}

// TransitionDispute applies a validated action and returns the next version.
func TransitionDispute(d Dispute, a DisputeAction, actor Actor, reason string, now time.Time) (Dispute, error) {
	to, err := NextDisputeState(d.State, a, actor.Role, reason)
	if err != nil {
		return Dispute{}, err
	}
	next := d
	next.State = to
	next.Version = d.Version + 1
	next.UpdatedAt = now
	if to.Terminal() {
		t := now
		next.ClosedAt = &t
		next.ResolutionReason = reason
	}
	return next, nil
}
