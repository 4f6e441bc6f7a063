package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/authcore/server/internal/auth"
	"github.com/authcore/server/internal/logger"
	"github.com/authcore/server/internal/middleware"
	"github.com/authcore/server/internal/model"
)

const maxBodyBytes = 1 << 16

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	limits      Limiters
	log         *zap.Logger
}

// Limiters are the per-contact budgets applied inside handlers. Either may be nil.
type Limiters struct {
	Resend middleware.Limiter
	Login  middleware.Limiter
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authService *auth.AuthService, limits Limiters, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		limits:      limits,
		log:         log,
	}
}

// registerRequest is the request body for POST /auth/register
type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
}

// otpSentResponse acknowledges an issued code
type otpSentResponse struct {
	Message      string    `json:"message"`
	AccountID    string    `json:"account_id"`
	OtpExpiresAt time.Time `json:"otp_expires_at"`
	Delivery     string    `json:"delivery"`
	DevOTP       string    `json:"dev_otp,omitempty"`
}

// verifyRequest is the request body for POST /auth/verify
type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// resendRequest is the request body for POST /auth/resend
type resendRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

// loginRequest is the request body for POST /auth/login
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// tokenResponse is the JSON response carrying a bearer token
type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// claimsResponse is the JSON response for GET /auth/token
type claimsResponse struct {
	AccountID string    `json:"account_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// accountResponse is the account object in API responses
type accountResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !validEmail(req.Email) || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password are required", "invalid_request")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 72 {
		respondWithError(w, http.StatusBadRequest, "password must be 8 to 72 bytes", "invalid_request")
		return
	}

	ack, err := h.authService.Register(r.Context(), req.Email, req.Password, auth.ProfileFields{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		h.respondWithAuthError(w, req.Email, "registration failed", err)
		return
	}

	respondWithJSON(w, http.StatusCreated, h.otpSent("registered", ack))
}

// HandleVerify handles POST /auth/verify
func (h *AuthHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if req.Email == "" || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "email and code are required", "invalid_request")
		return
	}

	tok, err := h.authService.VerifyRegistration(r.Context(), req.Email, req.Code)
	if err != nil {
		h.respondWithAuthError(w, req.Email, "otp verification failed", err)
		return
	}

	respondWithJSON(w, http.StatusOK, newTokenResponse(tok))
}

// HandleResend handles POST /auth/resend
func (h *AuthHandler) HandleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		respondWithError(w, http.StatusBadRequest, "email is required", "invalid_request")
		return
	}
	purpose := model.Purpose(strings.TrimSpace(req.Purpose))
	if purpose == "" {
		purpose = model.PurposeRegistration
	}

	if !h.allowContact(w, r, h.limits.Resend, req.Email) {
		return
	}

	ack, err := h.authService.ResendOTP(r.Context(), req.Email, purpose)
	if err != nil {
		h.respondWithAuthError(w, req.Email, "otp resend failed", err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, h.otpSent("otp_sent", ack))
}

// allowContact applies a per-address limiter and writes 429 when it is spent.
// Limiter failures are logged and the request proceeds.
func (h *AuthHandler) allowContact(w http.ResponseWriter, r *http.Request, limiter middleware.Limiter, address string) bool {
	if limiter == nil {
		return true
	}
	allowed, err := limiter.Allow(r.Context(), middleware.GetContactKey(address))
	if err != nil {
		h.log.Warn("contact rate limiter unavailable", zap.Error(err))
		return true
	}
	if !allowed {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
		return false
	}
	return true
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password are required", "invalid_request")
		return
	}
	if !h.allowContact(w, r, h.limits.Login, req.Email) {
		return
	}

	tok, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithAuthError(w, req.Email, "login failed", err)
		return
	}

	respondWithJSON(w, http.StatusOK, newTokenResponse(tok))
}

// HandleIntrospect handles GET /auth/token. It reports the claims of the
// presented bearer token without loading the account.
func (h *AuthHandler) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	tokenString, ok := middleware.BearerToken(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing or malformed authorization header", "token_invalid")
		return
	}

	claims, err := h.authService.VerifyToken(tokenString)
	if err != nil {
		h.respondWithAuthError(w, "", "token introspection failed", err)
		return
	}

	respondWithJSON(w, http.StatusOK, claimsResponse{
		AccountID: claims.AccountID.String(),
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	})
}

// HandleMe handles GET /me (protected). Returns the authenticated account.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.GetAccount(r.Context())
	if !ok || account == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "token_invalid")
		return
	}

	respondWithJSON(w, http.StatusOK, accountResponse{
		ID:          account.ID.String(),
		Email:       account.Email,
		FirstName:   account.FirstName,
		LastName:    account.LastName,
		PhoneNumber: account.PhoneNumber,
		Status:      string(account.Status),
		CreatedAt:   account.CreatedAt,
		VerifiedAt:  account.VerifiedAt,
	})
}

func (h *AuthHandler) otpSent(message string, ack auth.Acknowledgement) otpSentResponse {
	resp := otpSentResponse{
		Message:      message,
		AccountID:    ack.AccountID.String(),
		OtpExpiresAt: ack.OtpExpiresAt,
		Delivery:     "sent",
		DevOTP:       ack.DevCode,
	}
	if ack.DeliveryErr != nil {
		resp.Delivery = "failed"
	}
	return resp
}

func newTokenResponse(tok auth.Token) tokenResponse {
	return tokenResponse{
		AccessToken: tok.Value,
		TokenType:   "bearer",
		ExpiresAt:   tok.ExpiresAt,
	}
}

// respondWithAuthError maps an auth error kind to a status code. Internal
// errors are logged and never echoed.
func (h *AuthHandler) respondWithAuthError(w http.ResponseWriter, email, msg string, err error) {
	kind := auth.KindOf(err)
	status := statusForKind(kind)

	fields := []zap.Field{zap.String("kind", kind)}
	if email != "" {
		fields = append(fields, logger.Contact(email))
	}
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, append(fields, zap.Error(err))...)
		respondWithError(w, status, "internal server error", kind)
		return
	}
	h.log.Info(msg, fields...)

	var mismatch *auth.MismatchError
	if errors.As(err, &mismatch) {
		respondWithJSON(w, status, map[string]any{
			"error":              errorMessage(err, kind),
			"code":               kind,
			"attempts_remaining": mismatch.Remaining,
		})
		return
	}
	respondWithError(w, status, errorMessage(err, kind), kind)
}

func errorMessage(err error, kind string) string {
	switch kind {
	case "otp_mismatch":
		return auth.ErrOtpMismatch.Error()
	case "token_invalid":
		return auth.ErrTokenInvalid.Error()
	}
	return err.Error()
}

func statusForKind(kind string) int {
	switch kind {
	case "account_exists", "already_verified":
		return http.StatusConflict
	case "account_not_found":
		return http.StatusNotFound
	case "account_unverified", "attempts_exhausted":
		return http.StatusForbidden
	case "invalid_credentials", "otp_mismatch", "token_invalid", "token_expired":
		return http.StatusUnauthorized
	case "invalid_purpose", "no_active_otp":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return false
	}
	return true
}

func validEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message, code string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message, "code": code})
}
