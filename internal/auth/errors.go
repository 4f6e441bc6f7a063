package auth

import (
	"errors"
	"fmt"
)

// Caller-facing error kinds. Each maps to a stable code via KindOf.
var (
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAlreadyVerified    = errors.New("account already verified")
	ErrAccountUnverified  = errors.New("account not verified")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidPurpose     = errors.New("invalid otp purpose")

	// OTP failures never say whether a code expired or was never issued.
	ErrNoActiveOtp       = errors.New("no active otp")
	ErrOtpMismatch       = errors.New("otp mismatch")
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")

	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")

	ErrEntropyUnavailable = errors.New("entropy unavailable")

	// ErrDeliveryFailed marks a non-fatal OTP dispatch failure; the OTP stays issued.
	ErrDeliveryFailed = errors.New("otp delivery failed")
)

// MismatchError is returned for a wrong code while attempts remain.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("otp mismatch: %d attempts remaining", e.Remaining)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrOtpMismatch
}

var kinds = []struct {
	err  error
	kind string
}{
	{ErrAccountExists, "account_exists"},
	{ErrAccountNotFound, "account_not_found"},
	{ErrAlreadyVerified, "already_verified"},
	{ErrAccountUnverified, "account_unverified"},
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrInvalidPurpose, "invalid_purpose"},
	{ErrNoActiveOtp, "no_active_otp"},
	{ErrOtpMismatch, "otp_mismatch"},
	{ErrAttemptsExhausted, "attempts_exhausted"},
	{ErrTokenInvalid, "token_invalid"},
	{ErrTokenExpired, "token_expired"},
}

// KindOf returns the machine-readable kind for err. Infrastructure faults,
// including ErrEntropyUnavailable, are reported as "internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
