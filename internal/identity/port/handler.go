// Package port exposes the identity lifecycles over HTTP.
package port

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/identity/app"
	"github.com/aelexs/identity-service/internal/observability"
)

// Consumer-defined interfaces; the app services satisfy them.
type otpService interface {
	Issue(ctx context.Context, phoneRaw string) (*app.IssueResult, error)
	Resend(ctx context.Context, phoneRaw string) (*app.IssueResult, error)
	Verify(ctx context.Context, phoneRaw, candidate string) (*app.VerifyResult, error)
}

type loginLinkService interface {
	Request(ctx context.Context, emailRaw string) (*app.LoginLinkResult, error)
	Verify(ctx context.Context, token string) (*app.LoginVerifyResult, error)
}

type signupService interface {
	Signup(ctx context.Context, req app.SignupRequest) (*app.SignupResult, error)
}

type rateGate interface {
	Enforce(ctx context.Context, class domain.OperationClass, key string) error
}

type sessionValidator interface {
	Validate(tokenString string) (*auth.Claims, error)
}

var (
	_ otpService       = (*app.OTPService)(nil)
	_ loginLinkService = (*app.LoginLinkService)(nil)
	_ signupService    = (*app.SignupService)(nil)
	_ rateGate         = (*app.RateGate)(nil)
	_ sessionValidator = (*auth.Validator)(nil)
)

// Handler serves the identity endpoints.
type Handler struct {
	otp      otpService
	links    loginLinkService
	signup   signupService
	gate     rateGate
	sessions sessionValidator
	logger   *slog.Logger

	// devMode echoes dev codes and login URLs back to the caller.
	devMode bool
}

// HandlerConfig holds the dependencies for Handler.
type HandlerConfig struct {
	OTP        *app.OTPService
	LoginLinks *app.LoginLinkService
	Signup     *app.SignupService
	Gate       *app.RateGate
	Sessions   *auth.Validator
	Logger     *slog.Logger
	DevMode    bool
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		otp:      cfg.OTP,
		links:    cfg.LoginLinks,
		signup:   cfg.Signup,
		gate:     cfg.Gate,
		sessions: cfg.Sessions,
		logger:   logger,
		devMode:  cfg.DevMode,
	}
}

// ---------------------------------------------------------------------------
// OTP
// ---------------------------------------------------------------------------

type phoneRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

type verifyOTPRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
	Code  string `json:"code" validate:"required,numeric,min=4,max=9"`
}

type issueResponse struct {
	Phone          string `json:"phone"`
	CustomerExists bool   `json:"customer_exists"`
	ExpiresIn      int    `json:"expires_in"`
	DevCode        string `json:"dev_code,omitempty"`
}

type customerResponse struct {
	ID        string `json:"id"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

type sessionResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
}

type verifyOTPResponse struct {
	Verified     bool              `json:"verified"`
	Phone        string            `json:"phone"`
	Customer     *customerResponse `json:"customer,omitempty"`
	Session      *sessionResponse  `json:"session,omitempty"`
	SignupTicket string            `json:"signup_ticket,omitempty"`
}

// SendOTP handles POST /v1/otp/send.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, domain.OpSend, h.otp.Issue)
}

// ResendOTP handles POST /v1/otp/resend.
func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, domain.OpResend, h.otp.Resend)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, class domain.OperationClass,
	run func(context.Context, string) (*app.IssueResult, error)) {
	var req phoneRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	phone, err := domain.NormalizePhoneNumber(req.Phone)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.gate.Enforce(r.Context(), class, phone.String()); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := run(r.Context(), phone.String())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := issueResponse{
		Phone:          res.Phone.String(),
		CustomerExists: res.CustomerExists,
		ExpiresIn:      res.ExpiresInSeconds(),
	}
	if h.devMode {
		resp.DevCode = res.DevCode
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyOTP handles POST /v1/otp/verify.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	phone, err := domain.NormalizePhoneNumber(req.Phone)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.gate.Enforce(r.Context(), domain.OpVerify, phone.String()); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.otp.Verify(r.Context(), phone.String(), req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := verifyOTPResponse{
		Verified:     true,
		Phone:        res.Phone.String(),
		Session:      toSessionResponse(res.Session),
		SignupTicket: res.SignupTicket,
	}
	if res.Customer != nil {
		resp.Customer = toCustomerResponse(*res.Customer)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Signup
// ---------------------------------------------------------------------------

type signupRequest struct {
	Phone  string `json:"phone" validate:"required,max=32"`
	Ticket string `json:"ticket" validate:"required,hexadecimal,max=128"`
	Name   string `json:"name" validate:"required,max=100"`
	Email  string `json:"email" validate:"omitempty,max=254"`
}

type signupResponse struct {
	Customer *customerResponse `json:"customer"`
	Session  *sessionResponse  `json:"session,omitempty"`
}

// Signup handles POST /v1/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.gate.Enforce(r.Context(), domain.OpSignup, clientIP(r)); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.signup.Signup(r.Context(), app.SignupRequest{
		Phone:  req.Phone,
		Ticket: req.Ticket,
		Name:   req.Name,
		Email:  req.Email,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, signupResponse{
		Customer: toCustomerResponse(res.Customer),
		Session:  toSessionResponse(res.Session),
	})
}

// ---------------------------------------------------------------------------
// Login links
// ---------------------------------------------------------------------------

type loginLinkRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

type loginLinkResponse struct {
	ExpiresIn int    `json:"expires_in"`
	MessageID string `json:"message_id,omitempty"`
	LoginURL  string `json:"login_url,omitempty"`
}

type verifyLinkRequest struct {
	Token string `json:"token" validate:"required,max=1024"`
}

type verifyLinkResponse struct {
	Email    string            `json:"email"`
	Customer *customerResponse `json:"customer"`
	Session  *sessionResponse  `json:"session,omitempty"`
}

// RequestLoginLink handles POST /v1/login-link.
func (h *Handler) RequestLoginLink(w http.ResponseWriter, r *http.Request) {
	var req loginLinkRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	email, err := domain.NewEmail(req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.gate.Enforce(r.Context(), domain.OpLoginLink, email.String()); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.links.Request(r.Context(), email.String())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := loginLinkResponse{
		ExpiresIn: int(res.ExpiresIn / time.Second),
		MessageID: res.MessageID,
	}
	if h.devMode {
		resp.LoginURL = res.LoginURL
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// VerifyLoginLink handles POST /v1/login-link/verify.
func (h *Handler) VerifyLoginLink(w http.ResponseWriter, r *http.Request) {
	var req verifyLinkRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.links.Verify(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyLinkResponse{
		Email:    res.Email,
		Customer: toCustomerResponse(res.Customer),
		Session:  toSessionResponse(res.Session),
	})
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

type currentSessionResponse struct {
	CustomerID string `json:"customer_id"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Method     string `json:"amr"`
	ExpiresAt  int64  `json:"expires_at"`
}

// CurrentSession handles GET /v1/session.
func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	claims, err := h.sessions.Validate(token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := currentSessionResponse{
		CustomerID: claims.Subject,
		Phone:      claims.Phone,
		Email:      claims.Email,
		Method:     claims.AMR,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func toCustomerResponse(c domain.Customer) *customerResponse {
	return &customerResponse{ID: c.ID, Phone: c.Phone, Email: c.Email, Name: c.Name, CreatedAt: c.CreatedAt}
}

func toSessionResponse(m *auth.MintResult) *sessionResponse {
	if m == nil {
		return nil
	}
	return &sessionResponse{AccessToken: m.Token, TokenType: "Bearer", ExpiresAt: m.ExpiresAt.UnixMilli()}
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return observability.WithTraceID(r.Context(), h.logger)
}
