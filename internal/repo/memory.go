package repo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authcore/server/internal/model"
)

// MemoryUserRepo is an in-process UserRepo, used with STORAGE_DRIVER=memory and in tests.
type MemoryUserRepo struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]model.Account
	byEmail  map[string]uuid.UUID
}

// NewMemoryUserRepo returns an empty MemoryUserRepo
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		accounts: make(map[uuid.UUID]model.Account),
		byEmail:  make(map[string]uuid.UUID),
	}
}

func (r *MemoryUserRepo) GetByID(_ context.Context, id uuid.UUID) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryUserRepo) GetByEmail(_ context.Context, email string) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return r.accounts[id], nil
}

func (r *MemoryUserRepo) Create(_ context.Context, fields model.NewAccount) (model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(fields.Email)
	if _, exists := r.byEmail[key]; exists {
		return model.Account{}, ErrDuplicate
	}
	a := model.Account{
		ID:           uuid.New(),
		Email:        fields.Email,
		PasswordHash: fields.PasswordHash,
		FirstName:    fields.FirstName,
		LastName:     fields.LastName,
		PhoneNumber:  fields.PhoneNumber,
		Status:       model.StatusUnverified,
		CreatedAt:    fields.CreatedAt,
	}
	r.accounts[a.ID] = a
	r.byEmail[key] = a.ID
	return a, nil
}

func (r *MemoryUserRepo) UpdateStatus(_ context.Context, id uuid.UUID, status model.AccountStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	if status == model.StatusVerified {
		a.VerifiedAt = &at
	} else {
		a.VerifiedAt = nil
	}
	r.accounts[id] = a
	return nil
}

type otpKey struct {
	accountID uuid.UUID
	purpose   model.Purpose
}

// MemoryOtpRepo is an in-process OtpRepo. A single mutex serializes all writes,
// which covers the per-key serialization OtpRepo requires.
type MemoryOtpRepo struct {
	mu      sync.Mutex
	records map[otpKey]model.OtpRecord
}

// NewMemoryOtpRepo returns an empty MemoryOtpRepo
func NewMemoryOtpRepo() *MemoryOtpRepo {
	return &MemoryOtpRepo{records: make(map[otpKey]model.OtpRecord)}
}

func (r *MemoryOtpRepo) Upsert(_ context.Context, rec model.OtpRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := otpKey{rec.AccountID, rec.Purpose}
	rec.ConsumedAt = nil
	rec.CodeHash = append([]byte(nil), rec.CodeHash...)
	rec.SupersededHashes = nil
	if prev, ok := r.records[key]; ok {
		rec.SupersededHashes = appendSuperseded(prev.SupersededHashes, prev.CodeHash)
	}
	r.records[key] = rec
	return nil
}

func (r *MemoryOtpRepo) Get(_ context.Context, accountID uuid.UUID, purpose model.Purpose) (model.OtpRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[otpKey{accountID, purpose}]
	if !ok {
		return model.OtpRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryOtpRepo) Update(_ context.Context, accountID uuid.UUID, purpose model.Purpose, fn func(rec *model.OtpRecord) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := otpKey{accountID, purpose}
	rec, ok := r.records[key]
	if !ok {
		return ErrNotFound
	}
	changed, err := fn(&rec)
	if changed {
		r.records[key] = rec
	}
	return err
}

func (r *MemoryOtpRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rec := range r.records {
		if rec.ExpiresAt.Before(before) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}

func appendSuperseded(hashes [][]byte, h []byte) [][]byte {
	out := append(append([][]byte(nil), hashes...), h)
	if len(out) > MaxSupersededHashes {
		out = out[len(out)-MaxSupersededHashes:]
	}
	return out
}
