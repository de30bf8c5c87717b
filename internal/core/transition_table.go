package core

import "applicatorsync/pkg/domain"

// transitionGraph maps a status to its legal successors. Statuses missing
// from the graph, or mapped to an empty set, are terminal for the category.
type transitionGraph map[Status][]Status

var transitionGraphs = map[TreatmentCategory]transitionGraph{
	domain.CategoryMultiStage: {
		domain.StatusSealed:            {domain.StatusOpened, domain.StatusFaulty, domain.StatusUnaccounted, domain.StatusDisposed},
		domain.StatusOpened:            {domain.StatusLoaded, domain.StatusFaulty, domain.StatusDisposed, domain.StatusUnaccounted},
		domain.StatusLoaded:            {domain.StatusInserted, domain.StatusDeploymentFailure, domain.StatusFaulty, domain.StatusDisposed, domain.StatusUnaccounted},
		domain.StatusInserted:          {domain.StatusDischarged, domain.StatusDisposed},
		domain.StatusFaulty:            {domain.StatusDisposed},
		domain.StatusDeploymentFailure: {domain.StatusDisposed},
		domain.StatusDisposed:          {},
		domain.StatusDischarged:        {},
		domain.StatusUnaccounted:       {},
	},
	domain.CategorySingleStage: {
		domain.StatusSealed:            {domain.StatusInserted, domain.StatusFaulty, domain.StatusDeploymentFailure, domain.StatusDisposed, domain.StatusUnaccounted},
		domain.StatusInserted:          {domain.StatusDischarged, domain.StatusDisposed},
		domain.StatusFaulty:            {domain.StatusDisposed},
		domain.StatusDeploymentFailure: {domain.StatusDisposed},
		domain.StatusDisposed:          {},
		domain.StatusDischarged:        {},
		domain.StatusUnaccounted:       {},
	},
	domain.CategoryGeneric: {
		domain.StatusSealed:            {domain.StatusOpened, domain.StatusLoaded, domain.StatusInserted, domain.StatusFaulty, domain.StatusDeploymentFailure, domain.StatusDisposed, domain.StatusUnaccounted},
		domain.StatusOpened:            {domain.StatusLoaded, domain.StatusInserted, domain.StatusFaulty, domain.StatusDeploymentFailure, domain.StatusDisposed, domain.StatusUnaccounted},
		domain.StatusLoaded:            {domain.StatusInserted, domain.StatusFaulty, domain.StatusDeploymentFailure, domain.StatusDisposed, domain.StatusUnaccounted},
		domain.StatusInserted:          {domain.StatusDischarged, domain.StatusDisposed},
		domain.StatusFaulty:            {domain.StatusDisposed},
		domain.StatusDeploymentFailure: {domain.StatusDisposed},
		domain.StatusDisposed:          {},
		domain.StatusDischarged:        {},
		domain.StatusUnaccounted:       {},
	},
}

func graphFor(category TreatmentCategory) transitionGraph {
	return transitionGraphs[category.Normalize()]
}

// Successors returns a copy of the legal successor set for status within the
// category's graph. Terminal statuses yield an empty slice.
func Successors(category TreatmentCategory, status Status) []Status {
	next := graphFor(category)[status]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// Categories lists the categories that carry a transition graph.
func Categories() []TreatmentCategory {
	return []TreatmentCategory{domain.CategoryMultiStage, domain.CategorySingleStage, domain.CategoryGeneric}
}
