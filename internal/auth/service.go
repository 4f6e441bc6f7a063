package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authcore/server/internal/clock"
	"github.com/authcore/server/internal/logger"
	"github.com/authcore/server/internal/model"
	"github.com/authcore/server/internal/repo"
)

const defaultDispatchTimeout = 5 * time.Second

// ServiceConfig tunes orchestration behaviour
type ServiceConfig struct {
	DispatchTimeout time.Duration
	// DevMode echoes issued codes back in Acknowledgement.DevCode. Never enable in production.
	DevMode bool
}

// ProfileFields are the optional display fields captured at registration
type ProfileFields struct {
	FirstName   string
	LastName    string
	PhoneNumber string
}

// Acknowledgement is returned when an OTP was issued. DeliveryErr is set (wrapping
// ErrDeliveryFailed) when the code was stored but could not be delivered.
type Acknowledgement struct {
	AccountID    uuid.UUID
	OtpExpiresAt time.Time
	DeliveryErr  error
	DevCode      string
}

// AuthService orchestrates registration, OTP verification and token issuance
type AuthService struct {
	users      repo.UserRepo
	otps       *OtpStore
	tokens     *TokenIssuer
	hasher     *PasswordHasher
	dispatcher Dispatcher
	clock      clock.Clock
	log        *zap.Logger
	metrics    *Metrics
	cfg        ServiceConfig
}

// NewAuthService creates a new auth service
func NewAuthService(
	users repo.UserRepo,
	otps *OtpStore,
	tokens *TokenIssuer,
	hasher *PasswordHasher,
	dispatcher Dispatcher,
	clk clock.Clock,
	log *zap.Logger,
	metrics *Metrics,
	cfg ServiceConfig,
) *AuthService {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &AuthService{
		users:      users,
		otps:       otps,
		tokens:     tokens,
		hasher:     hasher,
		dispatcher: dispatcher,
		clock:      clk,
		log:        log,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// NormalizeEmail lower-cases and trims a contact address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an unverified account and sends it a registration OTP.
// No token is issued until VerifyRegistration succeeds.
func (s *AuthService) Register(ctx context.Context, email, password string, profile ProfileFields) (Acknowledgement, error) {
	email = NormalizeEmail(email)

	_, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return Acknowledgement{}, ErrAccountExists
	case !errors.Is(err, repo.ErrNotFound):
		return Acknowledgement{}, fmt.Errorf("lookup account: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Acknowledgement{}, err
	}

	account, err := s.users.Create(ctx, model.NewAccount{
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(profile.FirstName),
		LastName:     strings.TrimSpace(profile.LastName),
		PhoneNumber:  strings.TrimSpace(profile.PhoneNumber),
		CreatedAt:    s.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return Acknowledgement{}, ErrAccountExists
		}
		return Acknowledgement{}, fmt.Errorf("create account: %w", err)
	}

	s.log.Info("account registered", logger.Contact(email), zap.String("account_id", account.ID.String()))
	return s.issueAndSend(ctx, account, model.PurposeRegistration)
}

// VerifyRegistration consumes a registration OTP, marks the account verified and
// issues a token. An already verified account fails with ErrAlreadyVerified and
// receives no new token.
func (s *AuthService) VerifyRegistration(ctx context.Context, email, code string) (Token, error) {
	account, err := s.lookup(ctx, email)
	if err != nil {
		return Token{}, err
	}
	if account.Verified() {
		return Token{}, ErrAlreadyVerified
	}

	// The status change runs under the OTP record so a failed write leaves the code unspent.
	err = s.otps.VerifyThen(ctx, account.ID, model.PurposeRegistration, strings.TrimSpace(code), func() error {
		if err := s.users.UpdateStatus(ctx, account.ID, model.StatusVerified, s.clock.Now()); err != nil {
			return fmt.Errorf("mark verified: %w", err)
		}
		return nil
	})
	s.metrics.otpVerifications.WithLabelValues(string(model.PurposeRegistration), resultLabel(err)).Inc()
	if err != nil {
		if KindOf(err) == "internal" {
			s.log.Error("verify registration", logger.Contact(account.Email), zap.Error(err))
		} else {
			s.log.Info("otp verification failed", logger.Contact(account.Email), zap.String("kind", KindOf(err)))
		}
		return Token{}, err
	}
	s.log.Info("account verified", logger.Contact(account.Email), zap.String("account_id", account.ID.String()))

	return s.issueToken(account.ID, "verify")
}

// Login checks the credential and issues a token for a verified account. Unknown
// addresses and wrong credentials both fail with ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password string) (Token, error) {
	account, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.hasher.CompareDummy(password)
			return Token{}, ErrInvalidCredentials
		}
		return Token{}, fmt.Errorf("lookup account: %w", err)
	}

	ok, err := s.hasher.Compare(account.PasswordHash, password)
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, ErrInvalidCredentials
	}
	if !account.Verified() {
		return Token{}, ErrAccountUnverified
	}

	return s.issueToken(account.ID, "login")
}

// ResendOTP issues a fresh code for purpose, superseding any earlier one. Only
// registration codes have a verifying flow, so every other purpose, including
// the reserved login tag, fails with ErrInvalidPurpose.
func (s *AuthService) ResendOTP(ctx context.Context, email string, purpose model.Purpose) (Acknowledgement, error) {
	if purpose != model.PurposeRegistration {
		return Acknowledgement{}, ErrInvalidPurpose
	}
	account, err := s.lookup(ctx, email)
	if err != nil {
		return Acknowledgement{}, err
	}
	if account.Verified() {
		return Acknowledgement{}, ErrAlreadyVerified
	}

	return s.issueAndSend(ctx, account, purpose)
}

// VerifyToken authorizes a bearer token for other components.
func (s *AuthService) VerifyToken(token string) (Claims, error) {
	claims, err := s.tokens.Verify(token)
	s.metrics.tokenVerifications.WithLabelValues(resultLabel(err)).Inc()
	return claims, err
}

func (s *AuthService) lookup(ctx context.Context, email string) (model.Account, error) {
	account, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Account{}, ErrAccountNotFound
		}
		return model.Account{}, fmt.Errorf("lookup account: %w", err)
	}
	return account, nil
}

func (s *AuthService) issueToken(accountID uuid.UUID, flow string) (Token, error) {
	tok, err := s.tokens.Issue(accountID, s.tokens.TTL())
	if err != nil {
		return Token{}, err
	}
	s.metrics.tokensIssued.WithLabelValues(flow).Inc()
	return tok, nil
}

// issueAndSend commits the OTP first, then attempts delivery. Delivery failure is
// reported on the Acknowledgement and never undoes the issued OTP.
func (s *AuthService) issueAndSend(ctx context.Context, account model.Account, purpose model.Purpose) (Acknowledgement, error) {
	issued, err := s.otps.Issue(ctx, account.ID, purpose)
	if err != nil {
		return Acknowledgement{}, fmt.Errorf("issue otp: %w", err)
	}
	s.metrics.otpIssued.WithLabelValues(string(purpose)).Inc()

	ack := Acknowledgement{
		AccountID:    account.ID,
		OtpExpiresAt: issued.Record.ExpiresAt,
	}
	if s.cfg.DevMode {
		ack.DevCode = issued.Code
	}

	if err := s.dispatch(ctx, account.Email, purpose, issued.Code); err != nil {
		s.metrics.dispatchFailures.WithLabelValues(string(purpose)).Inc()
		s.log.Warn("otp delivery failed", logger.Contact(account.Email), zap.String("purpose", string(purpose)), zap.Error(err))
		ack.DeliveryErr = fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return ack, nil
}

// dispatch bounds the Dispatcher call by DispatchTimeout even if it ignores ctx.
// Cancellation of the request context does not reach the dispatcher.
func (s *AuthService) dispatch(ctx context.Context, address string, purpose model.Purpose, code string) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DispatchTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- s.dispatcher.Send(dctx, address, purpose, code)
	}()

	select {
	case err := <-errc:
		return err
	case <-dctx.Done():
		return fmt.Errorf("dispatch: %w", dctx.Err())
	}
}
