package model

import "time"

type Account struct {
	ID              string
	Email           string
	GoogleID        *string
	PasswordHash    *string
	Name            string
	BusinessName    string
	BusinessType    string
	BusinessAddress string
	BusinessPhone   string
	AvatarURL       string
	Preferences     Preferences
	Verified        bool
	Active          bool
	Tier            string
	FailedAttempts  int
	LockedUntil     *time.Time
	LastLogin       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Preferences struct {
	Currency             string
	Language             string
	Theme                string
	NotificationsEnabled bool
}

func DefaultPreferences() Preferences {
	return Preferences{
		Currency:             "USD",
		Language:             "en",
		Theme:                "light",
		NotificationsEnabled: true,
	}
}

type DeviceToken struct {
	ID         string
	AccountID  string
	TokenHash  string
	DeviceID   string
	DeviceName string
	Platform   string
	LastUsed   time.Time
	CreatedAt  time.Time
}

// LoginState is the security-counter slice of an account returned by the
// atomic failure update.
type LoginState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// ProfileUpdate carries optional profile field changes; nil means unchanged.
type ProfileUpdate struct {
	Name                 *string
	BusinessName         *string
	BusinessType         *string
	BusinessAddress      *string
	BusinessPhone        *string
	AvatarURL            *string
	Currency             *string
	Language             *string
	Theme                *string
	NotificationsEnabled *bool
}
