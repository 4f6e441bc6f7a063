package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore/server/internal/clock"
	"github.com/authcore/server/internal/model"
	"github.com/authcore/server/internal/repo"
)

var testEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestOtpStore(t *testing.T) (*OtpStore, *repo.MemoryOtpRepo, *clock.Manual) {
	t.Helper()
	r := repo.NewMemoryOtpRepo()
	clk := clock.NewManual(testEpoch)
	s := NewOtpStore(r, NewSecretGenerator(nil), clk, OtpConfig{Salt: "test-salt"})
	return s, r, clk
}

// wrongCode returns a same-length code different from code.
func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}

func TestHashCode_consistency(t *testing.T) {
	id := uuid.New()
	h1 := hashCode(id, model.PurposeRegistration, "123456", "salt")
	h2 := hashCode(id, model.PurposeRegistration, "123456", "salt")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
	_, err := hex.DecodeString(hex.EncodeToString(h1))
	require.NoError(t, err)
}

func TestHashCode_differentInputsDifferentHash(t *testing.T) {
	id := uuid.New()
	base := hashCode(id, model.PurposeRegistration, "123456", "salt")
	assert.NotEqual(t, base, hashCode(uuid.New(), model.PurposeRegistration, "123456", "salt"))
	assert.NotEqual(t, base, hashCode(id, model.PurposeLogin, "123456", "salt"))
	assert.NotEqual(t, base, hashCode(id, model.PurposeRegistration, "654321", "salt"))
	assert.NotEqual(t, base, hashCode(id, model.PurposeRegistration, "123456", "pepper"))
}

func TestOtpStore_IssueDefaults(t *testing.T) {
	s, r, _ := newTestOtpStore(t)
	id := uuid.New()

	issued, err := s.Issue(context.Background(), id, model.PurposeRegistration)
	require.NoError(t, err)
	assert.Len(t, issued.Code, 6)
	assert.Equal(t, 5, issued.Record.AttemptsRemaining)
	assert.Equal(t, testEpoch.Add(10*time.Minute), issued.Record.ExpiresAt)

	stored, err := r.Get(context.Background(), id, model.PurposeRegistration)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.CodeHash), issued.Code)
	assert.False(t, stored.Consumed())
}

func TestOtpStore_VerifyConsumes(t *testing.T) {
	s, _, _ := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()

	issued, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)

	require.NoError(t, s.Verify(ctx, id, model.PurposeRegistration, issued.Code))
	assert.ErrorIs(t, s.Verify(ctx, id, model.PurposeRegistration, issued.Code), ErrNoActiveOtp, "replay must fail")
}

func TestOtpStore_NeverIssued(t *testing.T) {
	s, _, _ := newTestOtpStore(t)
	assert.ErrorIs(t, s.Verify(context.Background(), uuid.New(), model.PurposeRegistration, "123456"), ErrNoActiveOtp)
}

func TestOtpStore_PurposesAreIndependent(t *testing.T) {
	s, _, _ := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()

	issued, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(ctx, id, model.PurposeLogin, issued.Code), ErrNoActiveOtp)
	require.NoError(t, s.Verify(ctx, id, model.PurposeRegistration, issued.Code))
}

func TestOtpStore_ReissueSupersedes(t *testing.T) {
	s, r, _ := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()

	first, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	var second IssuedOtp
	for {
		second, err = s.Issue(ctx, id, model.PurposeRegistration)
		require.NoError(t, err)
		if second.Code != first.Code {
			break
		}
	}

	err = s.Verify(ctx, id, model.PurposeRegistration, first.Code)
	assert.ErrorIs(t, err, ErrNoActiveOtp, "superseded code must not be live")

	rec, err := r.Get(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.AttemptsRemaining, "stale code costs no attempt")
	assert.NotEmpty(t, rec.SupersededHashes)

	require.NoError(t, s.Verify(ctx, id, model.PurposeRegistration, second.Code))
}

func TestOtpStore_Expiry(t *testing.T) {
	s, _, clk := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()

	issued, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	assert.ErrorIs(t, s.Verify(ctx, id, model.PurposeRegistration, issued.Code), ErrNoActiveOtp)

	clk.Set(testEpoch.Add(10*time.Minute - time.Second))
	require.NoError(t, s.Verify(ctx, id, model.PurposeRegistration, issued.Code))
}

func TestOtpStore_AttemptsExhausted(t *testing.T) {
	s, r, _ := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()

	issued, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	bad := wrongCode(issued.Code)

	for want := 4; want >= 0; want-- {
		err := s.Verify(ctx, id, model.PurposeRegistration, bad)
		var me *MismatchError
		require.True(t, errors.As(err, &me), "got %v", err)
		assert.Equal(t, want, me.Remaining)

		rec, err := r.Get(ctx, id, model.PurposeRegistration)
		require.NoError(t, err)
		assert.Equal(t, want, rec.AttemptsRemaining)
	}

	assert.ErrorIs(t, s.Verify(ctx, id, model.PurposeRegistration, issued.Code), ErrAttemptsExhausted,
		"correct code must fail once attempts reach zero")
	assert.ErrorIs(t, s.Verify(ctx, id, model.PurposeRegistration, bad), ErrAttemptsExhausted)

	rec, err := r.Get(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.AttemptsRemaining)
}

func TestOtpStore_ConcurrentWrongGuesses(t *testing.T) {
	s, r, _ := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()

	issued, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	bad := wrongCode(issued.Code)

	const workers = 50
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		mismatches int
		exhausted  int
		successes  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Verify(ctx, id, model.PurposeRegistration, bad)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrOtpMismatch):
				mismatches++
			case errors.Is(err, ErrAttemptsExhausted):
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, successes)
	assert.Equal(t, 5, mismatches)
	assert.Equal(t, workers-5, exhausted)

	rec, err := r.Get(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.AttemptsRemaining)
}

func TestOtpStore_ConcurrentCorrectCodeSucceedsOnce(t *testing.T) {
	s, _, _ := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()

	issued, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)

	const workers = 20
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Verify(ctx, id, model.PurposeRegistration, issued.Code)
		}()
	}
	wg.Wait()
	close(results)

	var ok, noActive int
	for err := range results {
		if err == nil {
			ok++
		} else if errors.Is(err, ErrNoActiveOtp) {
			noActive++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, noActive)
}

func TestOtpStore_EntropyFailureLeavesRecordUntouched(t *testing.T) {
	r := repo.NewMemoryOtpRepo()
	s := NewOtpStore(r, NewSecretGenerator(failingReader{}), clock.NewManual(testEpoch), OtpConfig{})
	_, err := s.Issue(context.Background(), uuid.New(), model.PurposeRegistration)
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestOtpStore_VerifyThen(t *testing.T) {
	s, r, _ := newTestOtpStore(t)
	ctx := context.Background()
	id := uuid.New()
	issued, err := s.Issue(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)

	calls := 0
	hook := func() error {
		calls++
		return errors.New("write failed")
	}

	var mismatch *MismatchError
	err = s.VerifyThen(ctx, id, model.PurposeRegistration, wrongCode(issued.Code), hook)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, calls, "hook only runs on a matching code")

	err = s.VerifyThen(ctx, id, model.PurposeRegistration, issued.Code, hook)
	assert.EqualError(t, err, "write failed")
	assert.Equal(t, 1, calls)

	rec, err := r.Get(ctx, id, model.PurposeRegistration)
	require.NoError(t, err)
	assert.False(t, rec.Consumed())
	assert.Equal(t, mismatch.Remaining, rec.AttemptsRemaining, "a failed hook costs no attempt")

	require.NoError(t, s.VerifyThen(ctx, id, model.PurposeRegistration, issued.Code, func() error { return nil }))
	assert.ErrorIs(t, s.Verify(ctx, id, model.PurposeRegistration, issued.Code), ErrNoActiveOtp)
}

func TestOtpStore_IssueRejectsUnknownPurpose(t *testing.T) {
	s, r, _ := newTestOtpStore(t)
	id := uuid.New()
	_, err := s.Issue(context.Background(), id, model.Purpose("reset"))
	assert.ErrorIs(t, err, ErrInvalidPurpose)
	_, err = r.Get(context.Background(), id, model.Purpose("reset"))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
