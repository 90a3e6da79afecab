package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bizmate/auth-identity/internal/auth"
	"bizmate/auth-identity/internal/authn"
	"bizmate/auth-identity/internal/config"
	"bizmate/auth-identity/internal/device"
	"bizmate/auth-identity/internal/model"
)

type Server struct {
	cfg    config.Config
	engine *authn.Engine
	store  authn.Store
	log    *zap.Logger
}

func NewServer(cfg config.Config, engine *authn.Engine, store authn.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, engine: engine, store: store, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/google", s.handleGoogleLogin)
	r.Post("/auth/device/verify", s.handleVerifyDevice)

	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)
	r.With(s.authMiddleware).Patch("/auth/me", s.handleUpdateMe)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)

	return r
}

type deviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
}

func (d *deviceInfo) toInfo() *device.Info {
	if d == nil || strings.TrimSpace(d.DeviceID) == "" {
		return nil
	}
	return &device.Info{
		DeviceID:   strings.TrimSpace(d.DeviceID),
		DeviceName: strings.TrimSpace(d.DeviceName),
		Platform:   strings.TrimSpace(d.Platform),
	}
}

type preferencesView struct {
	Currency             string `json:"currency"`
	Language             string `json:"language"`
	Theme                string `json:"theme"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
}

// accountProfile is the sanitized view of an account. It has no password
// hash field, so one cannot leak by serialization.
type accountProfile struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	Name            string          `json:"name"`
	BusinessName    string          `json:"businessName"`
	BusinessType    string          `json:"businessType,omitempty"`
	BusinessAddress string          `json:"businessAddress,omitempty"`
	BusinessPhone   string          `json:"businessPhone,omitempty"`
	AvatarURL       string          `json:"avatarUrl,omitempty"`
	Preferences     preferencesView `json:"preferences"`
	Verified        bool            `json:"verified"`
	Tier            string          `json:"subscriptionTier"`
	LastLogin       *time.Time      `json:"lastLogin,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type authResponse struct {
	Token       string         `json:"token"`
	DeviceToken string         `json:"deviceToken,omitempty"`
	Account     accountProfile `json:"account"`
}

func profileView(acct model.Account) accountProfile {
	return accountProfile{
		ID:              acct.ID,
		Email:           acct.Email,
		Name:            acct.Name,
		BusinessName:    acct.BusinessName,
		BusinessType:    acct.BusinessType,
		BusinessAddress: acct.BusinessAddress,
		BusinessPhone:   acct.BusinessPhone,
		AvatarURL:       acct.AvatarURL,
		Preferences: preferencesView{
			Currency:             acct.Preferences.Currency,
			Language:             acct.Preferences.Language,
			Theme:                acct.Preferences.Theme,
			NotificationsEnabled: acct.Preferences.NotificationsEnabled,
		},
		Verified:  acct.Verified,
		Tier:      acct.Tier,
		LastLogin: acct.LastLogin,
		CreatedAt: acct.CreatedAt,
	}
}

type registerRequest struct {
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	Password     string      `json:"password"`
	BusinessName string      `json:"businessName"`
	BusinessType string      `json:"businessType"`
	Phone        string      `json:"phone"`
	Device       *deviceInfo `json:"device"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if strings.TrimSpace(req.Name) == "" || req.Email == "" || req.Password == "" || strings.TrimSpace(req.BusinessName) == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	result, err := s.engine.Register(r.Context(), authn.Registration{
		Name:         req.Name,
		Email:        req.Email,
		Password:     req.Password,
		BusinessName: req.BusinessName,
		BusinessType: req.BusinessType,
		Phone:        req.Phone,
		Device:       req.Device.toInfo(),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeAuthResponse(w, http.StatusCreated, result)
}

type loginRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Device   *deviceInfo `json:"device"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	result, err := s.engine.Login(r.Context(), authn.Credentials{Email: req.Email, Password: req.Password}, req.Device.toInfo())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeAuthResponse(w, http.StatusOK, result)
}

type googleLoginRequest struct {
	IDToken string      `json:"idToken"`
	Device  *deviceInfo `json:"device"`
}

func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req googleLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.IDToken) == "" {
		writeError(w, http.StatusBadRequest, "missing_token")
		return
	}

	result, err := s.engine.LoginExternal(r.Context(), req.IDToken, req.Device.toInfo())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeAuthResponse(w, http.StatusOK, result)
}

type verifyDeviceRequest struct {
	DeviceToken string `json:"deviceToken"`
	DeviceID    string `json:"deviceId"`
}

func (s *Server) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req verifyDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.DeviceToken == "" || strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	result, err := s.engine.VerifyDevice(r.Context(), req.DeviceToken, strings.TrimSpace(req.DeviceID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeAuthResponse(w, http.StatusOK, result)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	acct, err := s.store.GetByID(r.Context(), claims.AccountID)
	if err != nil || !acct.Active {
		writeError(w, http.StatusNotFound, "account_not_found")
		return
	}

	writeJSON(w, http.StatusOK, profileView(acct))
}

type updateProfileRequest struct {
	Name            *string `json:"name,omitempty"`
	BusinessName    *string `json:"businessName,omitempty"`
	BusinessType    *string `json:"businessType,omitempty"`
	BusinessAddress *string `json:"businessAddress,omitempty"`
	BusinessPhone   *string `json:"businessPhone,omitempty"`
	AvatarURL       *string `json:"avatarUrl,omitempty"`
	Preferences     *struct {
		Currency             *string `json:"currency,omitempty"`
		Language             *string `json:"language,omitempty"`
		Theme                *string `json:"theme,omitempty"`
		NotificationsEnabled *bool   `json:"notificationsEnabled,omitempty"`
	} `json:"preferences,omitempty"`
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	update := model.ProfileUpdate{}
	setTrimmed := func(dst **string, src *string) {
		if src != nil {
			value := strings.TrimSpace(*src)
			*dst = &value
		}
	}
	setTrimmed(&update.Name, req.Name)
	setTrimmed(&update.BusinessName, req.BusinessName)
	setTrimmed(&update.BusinessType, req.BusinessType)
	setTrimmed(&update.BusinessAddress, req.BusinessAddress)
	setTrimmed(&update.BusinessPhone, req.BusinessPhone)
	setTrimmed(&update.AvatarURL, req.AvatarURL)
	if req.Preferences != nil {
		setTrimmed(&update.Currency, req.Preferences.Currency)
		setTrimmed(&update.Language, req.Preferences.Language)
		setTrimmed(&update.Theme, req.Preferences.Theme)
		update.NotificationsEnabled = req.Preferences.NotificationsEnabled
	}

	acct, err := s.store.UpdateProfile(r.Context(), claims.AccountID, update)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "account_not_found")
			return
		}
		s.log.Error("profile update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, profileView(acct))
}

type logoutRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.engine.Logout(r.Context(), claims.AccountID, strings.TrimSpace(req.DeviceID)); err != nil {
		s.log.Error("logout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeAuthResponse(w http.ResponseWriter, status int, result authn.Result) {
	token, err := auth.NewSessionToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.SessionTokenTTL, result.Account.ID)
	if err != nil {
		s.log.Error("session token issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, status, authResponse{
		Token:       token,
		DeviceToken: result.DeviceToken,
		Account:     profileView(result.Account),
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authn.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, authn.ErrAccountLocked):
		writeError(w, http.StatusLocked, "account_locked")
	case errors.Is(err, authn.ErrDuplicateIdentity):
		writeError(w, http.StatusConflict, "duplicate_identity")
	case errors.Is(err, authn.ErrInvalidExternalToken):
		writeError(w, http.StatusUnauthorized, "invalid_external_token")
	case errors.Is(err, authn.ErrInvalidDeviceToken):
		writeError(w, http.StatusUnauthorized, "invalid_device_token")
	default:
		s.log.Error("auth request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseSessionToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
