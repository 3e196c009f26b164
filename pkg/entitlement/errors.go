package entitlement

import "errors"

var (
	// ErrAlreadyEntitled is returned when a base checkout is requested
	// while an active base entitlement already exists.
	ErrAlreadyEntitled = errors.New("entitlement: owner already has an active base entitlement")
	// ErrBaseRequired is returned when an addon checkout is requested
	// without an active base entitlement.
	ErrBaseRequired = errors.New("entitlement: active base entitlement required")
	// ErrAlreadyExpired is returned when reactivation is requested after
	// the provider already flipped the entitlement to canceled.
	ErrAlreadyExpired = errors.New("entitlement: entitlement already expired")
	// ErrNoEntitlement is returned when an account reactivation cannot
	// resolve an active entitlement to attach to.
	ErrNoEntitlement = errors.New("entitlement: no active entitlement for account")

	// ErrProviderUnavailable wraps provider timeouts and network
	// failures. Local state is left unchanged; callers may retry with
	// backoff, the core never retries on its own.
	ErrProviderUnavailable = errors.New("entitlement: billing provider unavailable")
	// ErrProviderRejected wraps business-level denials from the
	// provider. Terminal for the attempt.
	ErrProviderRejected = errors.New("entitlement: billing provider rejected the request")

	// ErrDataIntegrityViolation marks malformed state such as duplicate
	// primaries or cross-owner links. Logged and degraded gracefully,
	// never fatal for a whole owner's view.
	ErrDataIntegrityViolation = errors.New("entitlement: data integrity violation")

	ErrEntitlementNotFound = errors.New("entitlement: entitlement not found")
	ErrAccountNotFound     = errors.New("entitlement: email account not found")

	ErrInvalidWebhookPayload = errors.New("entitlement: invalid webhook payload")
	ErrInvalidCatalog        = errors.New("entitlement: invalid price catalog")
)
