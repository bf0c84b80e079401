package policy

import "github.com/ksred/attribution-api/internal/types"

// Policies, in evaluation order. First match wins unless an override
// short-circuits.
const (
	PolicyBlockedInsufficientData = "BLOCKED_INSUFFICIENT_DATA"
	PolicyAutoSingleStrategy      = "AUTO_SINGLE_STRATEGY"
	PolicyAutoMultiFull           = "AUTO_MULTI_FULL"
	PolicyManualMultiPartial      = "MANUAL_MULTI_PARTIAL"
	PolicyManualAmbiguous         = "MANUAL_AMBIGUOUS"
	PolicyOverride                = "OVERRIDE"
)

// Decisions. Manual-required and blocked are first-class outcomes, not
// errors.
const (
	DecisionAutoApproved   = "AUTO_APPROVED"
	DecisionManualRequired = "MANUAL_REQUIRED"
	DecisionBlocked        = "BLOCKED"
)

// Decision is the gate's classification of an exit event, with the position
// snapshot the classification was based on.
type Decision struct {
	PolicyApplied            string                 `json:"policy_applied"`
	Decision                 string                 `json:"decision"`
	RecommendedMethod        types.AllocationMethod `json:"recommended_method,omitempty"`
	ManualInterventionReason string                 `json:"manual_intervention_reason,omitempty"`
	Positions                []types.Position       `json:"positions"`
	TotalOpenQuantity        float64                `json:"total_open_quantity"`
	Overridden               bool                   `json:"overridden"`
}
