package core

import (
	"applicatorsync/pkg/domain"
	"fmt"
	"slices"
)

// ValidateStatusTransition decides whether an applicator in a treatment of the
// given category may move from current to requested. An empty current status
// is read as SEALED. Asking for the current status again is allowed and is not
// a transition.
func ValidateStatusTransition(category TreatmentCategory, current, requested Status) TransitionDecision {
	if current == "" {
		current = domain.StatusSealed
	}
	category = category.Normalize()
	if !current.Valid() {
		return TransitionDecision{
			Code:   domain.DenialUnknownStatus,
			Reason: fmt.Sprintf("current status %q is not a known status", current),
		}
	}
	if !requested.Valid() {
		return TransitionDecision{
			Code:   domain.DenialUnknownStatus,
			Reason: fmt.Sprintf("requested status %q is not a known status", requested),
		}
	}
	if requested == current {
		return TransitionDecision{Allowed: true, Reason: "unchanged"}
	}
	next := graphFor(category)[current]
	if len(next) == 0 {
		return TransitionDecision{
			Code:   domain.DenialTerminalState,
			Reason: fmt.Sprintf("cannot move from %s to any state", current),
		}
	}
	if !slices.Contains(next, requested) {
		return TransitionDecision{
			Code:   domain.DenialNotPermitted,
			Reason: fmt.Sprintf("cannot move from %s to %s in %s treatments", current, requested, category),
		}
	}
	return TransitionDecision{Allowed: true}
}
