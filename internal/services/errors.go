package services

import "errors"

var (
	// ErrTransientFetch marks a network or store failure while reading upstream content.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrClaimFailed marks a streak claim whose write did not commit. Callers may retry.
	ErrClaimFailed = errors.New("streak claim failed")
	// ErrUserIDRequired is returned when an operation needs an authenticated user.
	ErrUserIDRequired = errors.New("user id is required")
	// ErrStoreMissing signals that the document store dependency is absent.
	ErrStoreMissing = errors.New("document store is not configured")
	// ErrInvalidEligibility rejects claims built from results that do not belong to the caller.
	ErrInvalidEligibility = errors.New("eligibility result does not match user")
)

// ErrEligibilityExpired rejects a claim whose eligibility was computed on an earlier day.
var ErrEligibilityExpired = errors.New("eligibility result expired")
