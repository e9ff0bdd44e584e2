package main

import "errors"

var (
	// ErrStoreUnavailable wraps every failure reported by the key-value store.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrInvalidMilestone      = errors.New("invalid milestone")
	ErrDependencyUnmet       = errors.New("dependencies not met")
	ErrCycleExhausted        = errors.New("depletion cycles completed")
	ErrConsequencesCompleted = errors.New("unforeseen consequences already completed")

	ErrInvalidEra     = errors.New("invalid era")
	ErrInvalidRoom    = errors.New("invalid room")
	ErrInvalidCounter = errors.New("invalid counter")
	ErrInvalidRequest = errors.New("invalid request")
	ErrForbidden      = errors.New("forbidden")
)

// isValidationErr reports errors that are the caller's fault and leave state untouched.
func isValidationErr(err error) bool {
	return errors.Is(err, ErrInvalidMilestone) ||
		errors.Is(err, ErrDependencyUnmet) ||
		errors.Is(err, ErrInvalidEra) ||
		errors.Is(err, ErrInvalidRoom) ||
		errors.Is(err, ErrInvalidCounter) ||
		errors.Is(err, ErrInvalidRequest)
}

// isRejection reports errors that end an operation without a fault: the
// validation errors plus privilege, cycle and latch refusals.
func isRejection(err error) bool {
	return isValidationErr(err) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrCycleExhausted) ||
		errors.Is(err, ErrConsequencesCompleted)
}
