package domain

// Status is the handling state of an applicator.
type Status string

// Applicator statuses.
const (
	StatusSealed            Status = "SEALED"
	StatusOpened            Status = "OPENED"
	StatusLoaded            Status = "LOADED"
	StatusInserted          Status = "INSERTED"
	StatusFaulty            Status = "FAULTY"
	StatusDisposed          Status = "DISPOSED"
	StatusDischarged        Status = "DISCHARGED"
	StatusDeploymentFailure Status = "DEPLOYMENT_FAILURE"
	StatusUnaccounted       Status = "UNACCOUNTED"
)

// AllStatuses lists every known status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusSealed,
		StatusOpened,
		StatusLoaded,
		StatusInserted,
		StatusFaulty,
		StatusDisposed,
		StatusDischarged,
		StatusDeploymentFailure,
		StatusUnaccounted,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSealed, StatusOpened, StatusLoaded, StatusInserted, StatusFaulty,
		StatusDisposed, StatusDischarged, StatusDeploymentFailure, StatusUnaccounted:
		return true
	}
	return false
}

// IsClinicallySignificant reports whether a disagreement involving s must be
// escalated to a human.
func (s Status) IsClinicallySignificant() bool {
	switch s {
	case StatusInserted, StatusDisposed, StatusDischarged, StatusFaulty,
		StatusDeploymentFailure, StatusUnaccounted:
		return true
	}
	return false
}

// IsGloballyTerminal reports whether s has no outgoing transitions in any
// treatment category.
func (s Status) IsGloballyTerminal() bool {
	switch s {
	case StatusDisposed, StatusDischarged, StatusUnaccounted:
		return true
	}
	return false
}
