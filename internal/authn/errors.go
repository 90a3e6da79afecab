package authn

import "errors"

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong
	// password; callers must not be able to tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked reports an active lockout window.
	ErrAccountLocked = errors.New("account locked")
	// ErrDuplicateIdentity reports a registration against an email that an
	// active account already holds.
	ErrDuplicateIdentity = errors.New("account already exists")
	// ErrInvalidExternalToken reports a provider token that failed
	// verification, including an unreachable provider.
	ErrInvalidExternalToken = errors.New("invalid external token")
	// ErrInvalidDeviceToken reports a device token that matches no active
	// account.
	ErrInvalidDeviceToken = errors.New("invalid device token")
)
