// Package authn holds the authentication decision engine: it evaluates login
// attempts against stored credentials and lockout state and mutates the
// account's security counters.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"bizmate/auth-identity/internal/crypto"
	"bizmate/auth-identity/internal/device"
	"bizmate/auth-identity/internal/extauth"
	"bizmate/auth-identity/internal/model"
	"bizmate/auth-identity/internal/repository"
)

const (
	// LockThreshold is the number of cumulative failures that arms the lock.
	LockThreshold = 5
	// LockDuration is how long the account stays locked from the triggering
	// failure.
	LockDuration = 2 * time.Hour
)

// Store is the account persistence surface the engine decides against.
// Counter updates must be atomic per account record; implementations back
// this with single-statement conditional updates.
type Store interface {
	CreateAccount(ctx context.Context, acct model.Account) error
	GetByID(ctx context.Context, accountID string) (model.Account, error)
	GetActiveByEmail(ctx context.Context, email string) (model.Account, error)
	GetActiveByEmailOrGoogleID(ctx context.Context, email, googleID string) (model.Account, error)
	GetByDeviceToken(ctx context.Context, tokenHash, deviceID string) (model.Account, error)
	RecordLoginFailure(ctx context.Context, accountID string, now time.Time, threshold int, lockFor time.Duration) (model.LoginState, error)
	CompleteLogin(ctx context.Context, accountID string, now time.Time) (bool, error)
	LinkGoogleIdentity(ctx context.Context, accountID, googleID, avatarURL string, now time.Time) error
	UpdateProfile(ctx context.Context, accountID string, update model.ProfileUpdate) (model.Account, error)
}

// ExternalVerifier validates a provider identity token and returns the
// verified identity claims.
type ExternalVerifier interface {
	Verify(ctx context.Context, rawToken string) (extauth.Identity, error)
}

type Engine struct {
	store    Store
	devices  *device.Registry
	verifier ExternalVerifier
	log      *zap.Logger
}

func NewEngine(store Store, devices *device.Registry, verifier ExternalVerifier, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, devices: devices, verifier: verifier, log: log}
}

type Registration struct {
	Name         string
	Email        string
	Password     string
	BusinessName string
	BusinessType string
	Phone        string
	Device       *device.Info
}

type Credentials struct {
	Email    string
	Password string
}

// Result is a successful decision: the authenticated account and, when a
// device was registered, the plaintext device token to hand to the client.
type Result struct {
	Account     model.Account
	DeviceToken string
}

// NormalizeEmail lowercases and trims the address; all lookups and writes go
// through it.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func (e *Engine) Register(ctx context.Context, reg Registration) (Result, error) {
	now := time.Now().UTC()

	hash, err := crypto.HashPassword(reg.Password)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}

	acct := model.Account{
		ID:            uuid.NewString(),
		Email:         NormalizeEmail(reg.Email),
		PasswordHash:  &hash,
		Name:          strings.TrimSpace(reg.Name),
		BusinessName:  strings.TrimSpace(reg.BusinessName),
		BusinessType:  strings.TrimSpace(reg.BusinessType),
		BusinessPhone: strings.TrimSpace(reg.Phone),
		Preferences:   model.DefaultPreferences(),
		Active:        true,
		Tier:          "free",
		LastLogin:     &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return Result{}, ErrDuplicateIdentity
		}
		return Result{}, fmt.Errorf("create account: %w", err)
	}

	return e.finish(ctx, acct, reg.Device, now)
}

// Login runs the password decision: lockout check before comparison, atomic
// failure accounting, and a lock-guarded success path.
func (e *Engine) Login(ctx context.Context, creds Credentials, dev *device.Info) (Result, error) {
	acct, err := e.store.GetActiveByEmail(ctx, NormalizeEmail(creds.Email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrInvalidCredentials
		}
		return Result{}, fmt.Errorf("load account: %w", err)
	}

	now := time.Now().UTC()
	if locked(acct.LockedUntil, now) {
		return Result{}, ErrAccountLocked
	}

	stored := ""
	if acct.PasswordHash != nil {
		stored = *acct.PasswordHash
	}
	if err := crypto.CheckPassword(stored, creds.Password); err != nil {
		state, ferr := e.store.RecordLoginFailure(ctx, acct.ID, now, LockThreshold, LockDuration)
		if ferr != nil {
			return Result{}, fmt.Errorf("record failure: %w", ferr)
		}
		if locked(state.LockedUntil, now) {
			return Result{}, ErrAccountLocked
		}
		return Result{}, ErrInvalidCredentials
	}

	ok, err := e.store.CompleteLogin(ctx, acct.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("complete login: %w", err)
	}
	if !ok {
		// A concurrent failure armed the lock between our check and the
		// conditional update.
		return Result{}, ErrAccountLocked
	}

	acct.FailedAttempts = 0
	acct.LockedUntil = nil
	acct.LastLogin = &now
	return e.finish(ctx, acct, dev, now)
}

// LoginExternal verifies the provider token, then links or provisions the
// account. Lockout state is never evaluated on this path.
func (e *Engine) LoginExternal(ctx context.Context, rawToken string, dev *device.Info) (Result, error) {
	identity, err := e.verifier.Verify(ctx, rawToken)
	if err != nil {
		e.log.Warn("external token rejected", zap.Error(err))
		return Result{}, ErrInvalidExternalToken
	}

	now := time.Now().UTC()
	email := NormalizeEmail(identity.Email)

	acct, err := e.store.GetActiveByEmailOrGoogleID(ctx, email, identity.Subject)
	switch {
	case err == nil:
		if err := e.store.LinkGoogleIdentity(ctx, acct.ID, identity.Subject, identity.Picture, now); err != nil {
			return Result{}, fmt.Errorf("link identity: %w", err)
		}
		if acct.GoogleID == nil {
			googleID := identity.Subject
			acct.GoogleID = &googleID
		}
		if identity.Picture != "" {
			acct.AvatarURL = identity.Picture
		}
		acct.LastLogin = &now
	case errors.Is(err, pgx.ErrNoRows):
		googleID := identity.Subject
		acct = model.Account{
			ID:           uuid.NewString(),
			Email:        email,
			GoogleID:     &googleID,
			Name:         identity.Name,
			BusinessName: defaultBusinessName(identity.Name),
			AvatarURL:    identity.Picture,
			Preferences:  model.DefaultPreferences(),
			Verified:     identity.EmailVerified,
			Active:       true,
			Tier:         "free",
			LastLogin:    &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.CreateAccount(ctx, acct); err != nil {
			return Result{}, fmt.Errorf("create account: %w", err)
		}
	default:
		return Result{}, fmt.Errorf("load account: %w", err)
	}

	return e.finish(ctx, acct, dev, now)
}

// VerifyDevice exchanges a persistent device token for a fresh session
// without password or lockout checks.
func (e *Engine) VerifyDevice(ctx context.Context, token, deviceID string) (Result, error) {
	acct, err := e.store.GetByDeviceToken(ctx, crypto.HashToken(token), deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrInvalidDeviceToken
		}
		return Result{}, fmt.Errorf("load account by device: %w", err)
	}

	now := time.Now().UTC()
	if err := e.devices.Touch(ctx, acct.ID, deviceID, now); err != nil {
		return Result{}, fmt.Errorf("touch device: %w", err)
	}
	return Result{Account: acct}, nil
}

// Logout removes the device session when a device id is supplied. The
// session token itself is stateless and simply expires.
func (e *Engine) Logout(ctx context.Context, accountID, deviceID string) error {
	if deviceID == "" {
		return nil
	}
	return e.devices.Remove(ctx, accountID, deviceID)
}

func (e *Engine) finish(ctx context.Context, acct model.Account, dev *device.Info, now time.Time) (Result, error) {
	result := Result{Account: acct}
	if dev == nil || dev.DeviceID == "" {
		return result, nil
	}
	token, err := e.devices.Register(ctx, acct.ID, *dev, now)
	if err != nil {
		return Result{}, fmt.Errorf("register device: %w", err)
	}
	result.DeviceToken = token
	return result, nil
}

func locked(until *time.Time, now time.Time) bool {
	return until != nil && until.After(now)
}

func defaultBusinessName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "My Business"
	}
	return name + "'s Business"
}
