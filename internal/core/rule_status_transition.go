package core

import (
	"applicatorsync/pkg/domain"
	"context"
	"fmt"
)

const statusTransitionRuleName = "status_transition"

// StatusTransitionRule blocks applicator writes that store a status outside
// the known set, leave a globally terminal status, or move a clinically
// significant status along an edge its treatment's graph does not list. It
// guards every write path, administrator overrides included.
func StatusTransitionRule() domain.Rule {
	return statusTransitionRule{}
}

type statusTransitionRule struct{}

func (statusTransitionRule) Name() string { return statusTransitionRuleName }

func (statusTransitionRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityApplicator {
			continue
		}
		after, ok := domain.DecodeChangePayload[domain.Applicator](change.After)
		if !ok {
			continue
		}
		if !after.EffectiveStatus().Valid() {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     statusTransitionRuleName,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("applicator %s is set to invalid status %s", after.ID, after.Status),
				Entity:   domain.EntityApplicator,
				EntityID: after.ID,
			})
			continue
		}
		before, ok := domain.DecodeChangePayload[domain.Applicator](change.Before)
		if !ok {
			continue
		}
		from, to := before.EffectiveStatus(), after.EffectiveStatus()
		if from == to || !from.IsClinicallySignificant() {
			continue
		}
		var message string
		if from.IsGloballyTerminal() {
			message = fmt.Sprintf("cannot move applicator %s from terminal status %s to %s", after.ID, from, to)
		} else {
			var category TreatmentCategory
			if treatment, ok := view.FindTreatment(after.TreatmentID); ok {
				category = treatment.Category
			}
			decision := ValidateStatusTransition(category, from, to)
			if decision.Allowed {
				continue
			}
			message = fmt.Sprintf("applicator %s: %s", after.ID, decision.Reason)
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     statusTransitionRuleName,
			Severity: domain.SeverityBlock,
			Message:  message,
			Entity:   domain.EntityApplicator,
			EntityID: after.ID,
		})
	}
	return res, nil
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(StatusTransitionRule())
	return engine
}
