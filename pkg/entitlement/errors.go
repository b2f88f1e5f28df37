package entitlement

import "errors"

var (
	// ErrUserNotFound is returned when no entitlement has been computed for a user
	ErrUserNotFound = errors.New("user entitlement not found")

	// ErrSubscriptionNotFound is returned when no subscription row matches an external id
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidRecord is returned for subscription records missing required fields
	ErrInvalidRecord = errors.New("invalid subscription record")

	// ErrInvalidUserID is returned for empty or oversized user ids
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidEvent is returned for events without a provider or id
	ErrInvalidEvent = errors.New("invalid event reference")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
