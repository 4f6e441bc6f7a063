package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/authcore/server/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("already exists")
)

// UserRepo defines the account directory operations. Email lookups are case-insensitive.
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Account, error)
	GetByEmail(ctx context.Context, email string) (model.Account, error)
	Create(ctx context.Context, fields model.NewAccount) (model.Account, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.AccountStatus, at time.Time) error
}

// MaxSupersededHashes bounds how many replaced code digests a record remembers.
const MaxSupersededHashes = 4

// OtpRepo stores at most one OTP record per (account, purpose).
//
// Upsert replaces the live code and resets attempts and consumption; the digest
// it replaces is appended to SupersededHashes (keeping the newest
// MaxSupersededHashes) so stale codes can be told apart from guesses.
//
// Update loads the record under a per-key lock, calls fn with it and, when fn
// reports a change, persists the record before releasing the lock. The error
// returned by fn is returned after the change is durable.
type OtpRepo interface {
	Upsert(ctx context.Context, rec model.OtpRecord) error
	Get(ctx context.Context, accountID uuid.UUID, purpose model.Purpose) (model.OtpRecord, error)
	Update(ctx context.Context, accountID uuid.UUID, purpose model.Purpose, fn func(rec *model.OtpRecord) (changed bool, err error)) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
