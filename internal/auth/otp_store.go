package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authcore/server/internal/clock"
	"github.com/authcore/server/internal/model"
	"github.com/authcore/server/internal/repo"
)

const (
	defaultOtpTTL      = 10 * time.Minute
	defaultMaxAttempts = 5
)

// OtpConfig tunes OTP issuance
type OtpConfig struct {
	TTL         time.Duration
	Length      int
	MaxAttempts int
	Salt        string
}

// IssuedOtp is a freshly issued record plus its plaintext code. The code is
// never persisted; it exists only to be handed to the Dispatcher.
type IssuedOtp struct {
	Record model.OtpRecord
	Code   string
}

// OtpStore owns OTP record lifecycle: issue, verify, expiry and attempt counting.
type OtpStore struct {
	repo      repo.OtpRepo
	generator *SecretGenerator
	clock     clock.Clock
	cfg       OtpConfig
}

// NewOtpStore creates an OtpStore; zero config values fall back to defaults.
func NewOtpStore(otpRepo repo.OtpRepo, generator *SecretGenerator, clk clock.Clock, cfg OtpConfig) *OtpStore {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultOtpTTL
	}
	if cfg.Length <= 0 {
		cfg.Length = DefaultCodeLength
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &OtpStore{
		repo:      otpRepo,
		generator: generator,
		clock:     clk,
		cfg:       cfg,
	}
}

// Issue supersedes any existing record for (accountID, purpose) with a fresh code.
func (s *OtpStore) Issue(ctx context.Context, accountID uuid.UUID, purpose model.Purpose) (IssuedOtp, error) {
	if !purpose.Valid() {
		return IssuedOtp{}, ErrInvalidPurpose
	}
	code, err := s.generator.Generate(s.cfg.Length)
	if err != nil {
		return IssuedOtp{}, fmt.Errorf("generate otp: %w", err)
	}

	now := s.clock.Now()
	rec := model.OtpRecord{
		AccountID:         accountID,
		Purpose:           purpose,
		CodeHash:          hashCode(accountID, purpose, code, s.cfg.Salt),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		AttemptsRemaining: s.cfg.MaxAttempts,
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return IssuedOtp{}, fmt.Errorf("store otp: %w", err)
	}
	return IssuedOtp{Record: rec, Code: code}, nil
}

// Verify checks code against the active record and consumes it on match.
// State checks and the attempt decrement happen under the repository's per-key lock.
// A code that was replaced by a later Issue fails with ErrNoActiveOtp and costs no attempt.
func (s *OtpStore) Verify(ctx context.Context, accountID uuid.UUID, purpose model.Purpose, code string) error {
	return s.VerifyThen(ctx, accountID, purpose, code, nil)
}

// VerifyThen is Verify with onMatch run while the record is still held. The
// code is consumed only when onMatch succeeds; its error is returned as is and
// leaves the record untouched.
func (s *OtpStore) VerifyThen(ctx context.Context, accountID uuid.UUID, purpose model.Purpose, code string, onMatch func() error) error {
	submitted := hashCode(accountID, purpose, code, s.cfg.Salt)

	err := s.repo.Update(ctx, accountID, purpose, func(rec *model.OtpRecord) (bool, error) {
		now := s.clock.Now()
		if rec.Consumed() || rec.Expired(now) {
			return false, ErrNoActiveOtp
		}
		if rec.AttemptsRemaining <= 0 {
			return false, ErrAttemptsExhausted
		}
		if subtle.ConstantTimeCompare(submitted, rec.CodeHash) != 1 {
			if matchesAny(submitted, rec.SupersededHashes) {
				return false, ErrNoActiveOtp
			}
			rec.AttemptsRemaining--
			return true, &MismatchError{Remaining: rec.AttemptsRemaining}
		}
		if onMatch != nil {
			if err := onMatch(); err != nil {
				return false, err
			}
		}
		rec.ConsumedAt = &now
		return true, nil
	})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNoActiveOtp
	}
	return err
}

// PurgeExpired deletes records that expired more than grace ago. Expiry is
// enforced at read time; this only reclaims storage.
func (s *OtpStore) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.clock.Now().Add(-grace))
}

func matchesAny(h []byte, hashes [][]byte) bool {
	found := 0
	for _, candidate := range hashes {
		found |= subtle.ConstantTimeCompare(h, candidate)
	}
	return found == 1
}

// hashCode returns SHA-256(account:purpose:code:salt)
func hashCode(accountID uuid.UUID, purpose model.Purpose, code, salt string) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", accountID, purpose, code, salt)))
	return sum[:]
}
