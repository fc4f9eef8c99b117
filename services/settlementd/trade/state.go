package trade

import (
	"errors"
	"fmt"
	"strings"

	"p2pescrow/services/settlementd/models"
)

var (
	// ErrNotFound indicates the trade identifier was unknown.
	ErrNotFound = errors.New("trade: not found")
	// ErrInvalidState is returned when a transition is not legal from the current state.
	ErrInvalidState = errors.New("trade: transition not permitted from current state")
	// ErrFundsPresent blocks cancellation of a trade that already received deposits.
	ErrFundsPresent = errors.New("trade: escrow has recorded deposits")
	// ErrInvalidTrade is returned by Create for malformed trades.
	ErrInvalidTrade = errors.New("trade: invalid trade")
)

// Outcome describes how a requested operation resolved without failing.
type Outcome string

// Outcomes shared by the scanner, advancer, and state machine.
const (
	OutcomeApplied           Outcome = "applied"
	OutcomeNoop              Outcome = "noop"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeInvalidState      Outcome = "invalid_state"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
)

// OutcomeOf maps state machine errors onto the non-fatal outcomes. Unknown
// errors return the empty outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidState):
		return OutcomeInvalidState
	default:
		return ""
	}
}

// Action selects the settlement direction.
type Action string

// Settlement actions.
const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// ParseAction normalises a user supplied action.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionRelease:
		return ActionRelease, nil
	case ActionRefund:
		return ActionRefund, nil
	default:
		return "", fmt.Errorf("trade: unknown settlement action %q", raw)
	}
}

// TargetState returns the terminal state reached by a settlement action.
func (a Action) TargetState() models.TradeState {
	if a == ActionRefund {
		return models.StateRefunded
	}
	return models.StateCompleted
}

// EventType returns the audit event recorded when the action is broadcast.
func (a Action) EventType() string {
	if a == ActionRefund {
		return models.EventRefundInitiated
	}
	return models.EventReleaseInitiated
}

// IsAwaitingDeposit reports whether the trade is waiting for escrow funding.
func IsAwaitingDeposit(t *models.Trade) bool {
	return t != nil && t.State == models.StateAwaitDeposit
}

// CanBeReleased reports whether escrowed funds may be sent to the buyer.
func CanBeReleased(t *models.Trade) bool {
	if t == nil {
		return false
	}
	return t.State == models.StateEscrowed || t.State == models.StateReleasePending
}

// CanBeRefunded reports whether escrowed funds may be returned to the seller.
func CanBeRefunded(t *models.Trade) bool {
	if t == nil {
		return false
	}
	return t.State == models.StateEscrowed || t.State == models.StateReleasePending
}

// CanBeResolved reports whether a disputed trade may be settled by resolution.
func CanBeResolved(t *models.Trade) bool {
	return t != nil && t.State == models.StateDisputed
}

// CanSettle combines the predicates for an action. Resolution requests are
// only honoured for disputed trades.
func CanSettle(t *models.Trade, action Action, resolution bool) bool {
	if resolution {
		return CanBeResolved(t)
	}
	switch action {
	case ActionRelease:
		return CanBeReleased(t)
	case ActionRefund:
		return CanBeRefunded(t)
	default:
		return false
	}
}
