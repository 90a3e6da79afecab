// Package device maintains the bounded set of persistent device sessions an
// account may hold.
package device

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bizmate/auth-identity/internal/crypto"
	"bizmate/auth-identity/internal/model"
)

// MaxPerAccount bounds the device list; registrations beyond it evict the
// least recently used entries.
const MaxPerAccount = 5

type Store interface {
	UpsertDevice(ctx context.Context, device model.DeviceToken) error
	TrimDevices(ctx context.Context, accountID string, keep int) error
	RemoveDevice(ctx context.Context, accountID, deviceID string) error
	TouchDevice(ctx context.Context, accountID, deviceID string, usedAt time.Time) error
}

type Info struct {
	DeviceID   string
	DeviceName string
	Platform   string
}

type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Register issues a fresh token for the device and returns its plaintext
// value. Registering an already known device id replaces its token rather
// than adding a second entry.
func (r *Registry) Register(ctx context.Context, accountID string, info Info, now time.Time) (string, error) {
	token, err := crypto.NewDeviceToken()
	if err != nil {
		return "", err
	}

	entry := model.DeviceToken{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		TokenHash:  crypto.HashToken(token),
		DeviceID:   info.DeviceID,
		DeviceName: info.DeviceName,
		Platform:   info.Platform,
		LastUsed:   now,
		CreatedAt:  now,
	}
	if err := r.store.UpsertDevice(ctx, entry); err != nil {
		return "", err
	}
	if err := r.store.TrimDevices(ctx, accountID, MaxPerAccount); err != nil {
		return "", err
	}
	return token, nil
}

// Remove drops the device entry; removing an unknown device id is not an
// error.
func (r *Registry) Remove(ctx context.Context, accountID, deviceID string) error {
	return r.store.RemoveDevice(ctx, accountID, deviceID)
}

// Touch refreshes last_used after a successful device-token verification.
func (r *Registry) Touch(ctx context.Context, accountID, deviceID string, usedAt time.Time) error {
	return r.store.TouchDevice(ctx, accountID, deviceID, usedAt)
}
