package model

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the verification state of an account
type AccountStatus string

const (
	StatusUnverified AccountStatus = "unverified"
	StatusVerified   AccountStatus = "verified"
)

// Purpose tags the flow an OTP was issued for
type Purpose string

const (
	PurposeRegistration Purpose = "registration"
	PurposeLogin        Purpose = "login"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRegistration, PurposeLogin:
		return true
	}
	return false
}

// Account represents a user account
type Account struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	PhoneNumber  string
	Status       AccountStatus
	CreatedAt    time.Time
	VerifiedAt   *time.Time
}

// Verified reports whether the account has completed OTP verification.
func (a Account) Verified() bool {
	return a.Status == StatusVerified
}

// NewAccount holds the fields needed to create an account
type NewAccount struct {
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	PhoneNumber  string
	CreatedAt    time.Time
}

// OtpRecord is the single active OTP for an (account, purpose) pair.
// Only digests are stored: the live code's and those of the codes it replaced.
type OtpRecord struct {
	AccountID         uuid.UUID
	Purpose           Purpose
	CodeHash          []byte
	SupersededHashes  [][]byte
	CreatedAt         time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
	ConsumedAt        *time.Time
}

// Consumed reports whether the record was already used successfully.
func (r OtpRecord) Consumed() bool {
	return r.ConsumedAt != nil
}

// Expired reports whether the record is expired at now.
func (r OtpRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
