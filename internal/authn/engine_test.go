package authn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"bizmate/auth-identity/internal/device"
	"bizmate/auth-identity/internal/extauth"
	"bizmate/auth-identity/internal/model"
	"bizmate/auth-identity/internal/repository"
)

// memStore mimics the repository's single-statement counter updates with a
// mutex so engine behavior can be tested without a database.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	devices  map[string][]model.DeviceToken
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*model.Account),
		devices:  make(map[string][]model.DeviceToken),
	}
}

func (s *memStore) CreateAccount(_ context.Context, acct model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Active && existing.Email == acct.Email {
			return repository.ErrDuplicate
		}
	}
	copied := acct
	s.accounts[acct.ID] = &copied
	return nil
}

func (s *memStore) GetByID(_ context.Context, accountID string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return model.Account{}, pgx.ErrNoRows
	}
	return *acct, nil
}

func (s *memStore) GetActiveByEmail(_ context.Context, email string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.Active && acct.Email == email {
			return *acct, nil
		}
	}
	return model.Account{}, pgx.ErrNoRows
}

func (s *memStore) GetActiveByEmailOrGoogleID(_ context.Context, email, googleID string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if googleID != "" {
		for _, acct := range s.accounts {
			if acct.Active && acct.GoogleID != nil && *acct.GoogleID == googleID {
				return *acct, nil
			}
		}
	}
	for _, acct := range s.accounts {
		if acct.Active && acct.Email == email {
			return *acct, nil
		}
	}
	return model.Account{}, pgx.ErrNoRows
}

func (s *memStore) GetByDeviceToken(_ context.Context, tokenHash, deviceID string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for accountID, entries := range s.devices {
		for _, entry := range entries {
			if entry.TokenHash == tokenHash && entry.DeviceID == deviceID {
				if acct, ok := s.accounts[accountID]; ok && acct.Active {
					return *acct, nil
				}
			}
		}
	}
	return model.Account{}, pgx.ErrNoRows
}

func (s *memStore) RecordLoginFailure(_ context.Context, accountID string, now time.Time, threshold int, lockFor time.Duration) (model.LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return model.LoginState{}, pgx.ErrNoRows
	}

	switch {
	case acct.LockedUntil != nil && acct.LockedUntil.After(now):
		acct.FailedAttempts++
	case acct.LockedUntil != nil:
		acct.FailedAttempts = 1
		acct.LockedUntil = nil
	default:
		acct.FailedAttempts++
		if acct.FailedAttempts >= threshold {
			until := now.Add(lockFor)
			acct.LockedUntil = &until
		}
	}
	acct.UpdatedAt = now
	return model.LoginState{FailedAttempts: acct.FailedAttempts, LockedUntil: acct.LockedUntil}, nil
}

func (s *memStore) CompleteLogin(_ context.Context, accountID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok || !acct.Active {
		return false, nil
	}
	if acct.LockedUntil != nil && acct.LockedUntil.After(now) {
		return false, nil
	}
	acct.FailedAttempts = 0
	acct.LockedUntil = nil
	acct.LastLogin = &now
	acct.UpdatedAt = now
	return true, nil
}

func (s *memStore) LinkGoogleIdentity(_ context.Context, accountID, googleID, avatarURL string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return pgx.ErrNoRows
	}
	if acct.GoogleID == nil {
		acct.GoogleID = &googleID
	}
	if avatarURL != "" {
		acct.AvatarURL = avatarURL
	}
	acct.LastLogin = &now
	acct.UpdatedAt = now
	return nil
}

func (s *memStore) UpdateProfile(_ context.Context, accountID string, update model.ProfileUpdate) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok || !acct.Active {
		return model.Account{}, pgx.ErrNoRows
	}
	if update.Name != nil {
		acct.Name = *update.Name
	}
	if update.BusinessName != nil {
		acct.BusinessName = *update.BusinessName
	}
	if update.BusinessType != nil {
		acct.BusinessType = *update.BusinessType
	}
	if update.BusinessAddress != nil {
		acct.BusinessAddress = *update.BusinessAddress
	}
	if update.BusinessPhone != nil {
		acct.BusinessPhone = *update.BusinessPhone
	}
	if update.AvatarURL != nil {
		acct.AvatarURL = *update.AvatarURL
	}
	if update.Currency != nil {
		acct.Preferences.Currency = *update.Currency
	}
	if update.Language != nil {
		acct.Preferences.Language = *update.Language
	}
	if update.Theme != nil {
		acct.Preferences.Theme = *update.Theme
	}
	if update.NotificationsEnabled != nil {
		acct.Preferences.NotificationsEnabled = *update.NotificationsEnabled
	}
	acct.UpdatedAt = time.Now().UTC()
	return *acct, nil
}

func (s *memStore) UpsertDevice(_ context.Context, entry model.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.devices[entry.AccountID]
	kept := entries[:0]
	for _, existing := range entries {
		if existing.DeviceID != entry.DeviceID {
			kept = append(kept, existing)
		}
	}
	s.devices[entry.AccountID] = append(kept, entry)
	return nil
}

func (s *memStore) TrimDevices(_ context.Context, accountID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.devices[accountID]
	for len(entries) > keep {
		oldest := 0
		for i, entry := range entries {
			if entry.LastUsed.Before(entries[oldest].LastUsed) {
				oldest = i
			}
		}
		entries = append(entries[:oldest], entries[oldest+1:]...)
	}
	s.devices[accountID] = entries
	return nil
}

func (s *memStore) RemoveDevice(_ context.Context, accountID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.devices[accountID]
	kept := entries[:0]
	for _, entry := range entries {
		if entry.DeviceID != deviceID {
			kept = append(kept, entry)
		}
	}
	s.devices[accountID] = kept
	return nil
}

func (s *memStore) TouchDevice(_ context.Context, accountID, deviceID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.devices[accountID] {
		if entry.DeviceID == deviceID {
			s.devices[accountID][i].LastUsed = usedAt
		}
	}
	return nil
}

func (s *memStore) account(t *testing.T, id string) model.Account {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		t.Fatalf("account %s not found", id)
	}
	return *acct
}

type fakeVerifier struct {
	identity extauth.Identity
	err      error
}

func (f *fakeVerifier) Verify(context.Context, string) (extauth.Identity, error) {
	return f.identity, f.err
}

func newTestEngine(store *memStore, verifier ExternalVerifier) *Engine {
	return NewEngine(store, device.NewRegistry(store), verifier, nil)
}

func register(t *testing.T, engine *Engine, email string) model.Account {
	t.Helper()
	result, err := engine.Register(context.Background(), Registration{
		Name:         "Owner",
		Email:        email,
		Password:     "correct horse",
		BusinessName: "Corner Shop",
	})
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	return result.Account
}

func TestRegisterAndLogin(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)

	acct := register(t, engine, "Owner@Example.com")
	if acct.Email != "owner@example.com" {
		t.Fatalf("expected normalized email, got %s", acct.Email)
	}
	if acct.PasswordHash == nil || *acct.PasswordHash == "correct horse" {
		t.Fatalf("plaintext password must never be stored")
	}
	if acct.LastLogin == nil {
		t.Fatalf("expected last login stamped on registration")
	}

	result, err := engine.Login(context.Background(), Credentials{Email: "owner@example.com", Password: "correct horse"}, nil)
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if result.Account.ID != acct.ID {
		t.Fatalf("unexpected account")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	register(t, engine, "owner@example.com")

	_, err := engine.Register(context.Background(), Registration{
		Name:         "Other",
		Email:        "OWNER@example.com",
		Password:     "pw",
		BusinessName: "Other Shop",
	})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected duplicate identity, got %v", err)
	}
}

func TestLoginUnknownEmailAndWrongPasswordIndistinguishable(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	register(t, engine, "owner@example.com")

	_, unknownErr := engine.Login(context.Background(), Credentials{Email: "nobody@example.com", Password: "whatever"}, nil)
	_, wrongErr := engine.Login(context.Background(), Credentials{Email: "owner@example.com", Password: "wrong"}, nil)

	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for both, got %v / %v", unknownErr, wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("unknown-email and wrong-password errors must be identical")
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	acct := register(t, engine, "owner@example.com")

	for i := 1; i <= 4; i++ {
		_, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "wrong"}, nil)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i, err)
		}
	}

	// The fifth failure arms the lock and already reports it.
	_, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "wrong"}, nil)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("fifth attempt: expected account locked, got %v", err)
	}

	stored := store.account(t, acct.ID)
	if stored.FailedAttempts != 5 || stored.LockedUntil == nil {
		t.Fatalf("expected 5 failures and a lock, got %d / %v", stored.FailedAttempts, stored.LockedUntil)
	}
	remaining := time.Until(*stored.LockedUntil)
	if remaining < LockDuration-time.Minute || remaining > LockDuration {
		t.Fatalf("expected roughly a 2h lock window, got %s", remaining)
	}

	// Correct password cannot pass while the window is active.
	_, err = engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "correct horse"}, nil)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected account locked with correct password, got %v", err)
	}
}

func TestStaleLockResetsCounterOnNextFailure(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	acct := register(t, engine, "owner@example.com")

	expired := time.Now().UTC().Add(-time.Minute)
	store.mu.Lock()
	store.accounts[acct.ID].FailedAttempts = 5
	store.accounts[acct.ID].LockedUntil = &expired
	store.mu.Unlock()

	_, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "wrong"}, nil)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials after lock expiry, got %v", err)
	}

	stored := store.account(t, acct.ID)
	if stored.FailedAttempts != 1 {
		t.Fatalf("expected counter reset to 1, got %d", stored.FailedAttempts)
	}
	if stored.LockedUntil != nil {
		t.Fatalf("a single failure after expiry must not re-arm the lock")
	}
}

func TestStaleLockClearedBySuccessfulLogin(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	acct := register(t, engine, "owner@example.com")

	expired := time.Now().UTC().Add(-time.Minute)
	store.mu.Lock()
	store.accounts[acct.ID].FailedAttempts = 5
	store.accounts[acct.ID].LockedUntil = &expired
	store.mu.Unlock()

	if _, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "correct horse"}, nil); err != nil {
		t.Fatalf("login error: %v", err)
	}

	stored := store.account(t, acct.ID)
	if stored.FailedAttempts != 0 || stored.LockedUntil != nil {
		t.Fatalf("expected counters cleared, got %d / %v", stored.FailedAttempts, stored.LockedUntil)
	}
}

func TestSuccessResetsCounterFromFour(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	acct := register(t, engine, "owner@example.com")

	store.mu.Lock()
	store.accounts[acct.ID].FailedAttempts = 4
	store.mu.Unlock()

	if _, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "correct horse"}, nil); err != nil {
		t.Fatalf("login error: %v", err)
	}
	if stored := store.account(t, acct.ID); stored.FailedAttempts != 0 {
		t.Fatalf("expected counter reset, got %d", stored.FailedAttempts)
	}
}

func TestConcurrentFailuresArmLockOnce(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	acct := register(t, engine, "owner@example.com")

	store.mu.Lock()
	store.accounts[acct.ID].FailedAttempts = 3
	store.mu.Unlock()

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "wrong"}, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	stored := store.account(t, acct.ID)
	if stored.LockedUntil == nil {
		t.Fatalf("expected lock armed")
	}
	if stored.FailedAttempts < LockThreshold {
		t.Fatalf("concurrent failures must not under-count: got %d", stored.FailedAttempts)
	}

	locked := 0
	invalid := 0
	for err := range results {
		switch {
		case errors.Is(err, ErrAccountLocked):
			locked++
		case errors.Is(err, ErrInvalidCredentials):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if locked == 0 {
		t.Fatalf("at least the threshold-crossing attempt must report the lock")
	}
	// Every attempt either counted a failure or saw the lock already armed.
	if stored.FailedAttempts-3 < invalid {
		t.Fatalf("recorded %d failures for %d invalid-credential responses", stored.FailedAttempts-3, invalid)
	}
}

func TestExternalLoginCreatesAccount(t *testing.T) {
	store := newMemStore()
	verifier := &fakeVerifier{identity: extauth.Identity{
		Subject:       "google-sub-1",
		Email:         "Owner@Example.com",
		EmailVerified: true,
		Name:          "Dana",
		Picture:       "https://example.com/avatar.png",
	}}
	engine := newTestEngine(store, verifier)

	result, err := engine.LoginExternal(context.Background(), "raw-token", nil)
	if err != nil {
		t.Fatalf("external login error: %v", err)
	}

	acct := result.Account
	if acct.Email != "owner@example.com" {
		t.Fatalf("expected normalized email, got %s", acct.Email)
	}
	if acct.GoogleID == nil || *acct.GoogleID != "google-sub-1" {
		t.Fatalf("expected linked google id")
	}
	if acct.PasswordHash != nil {
		t.Fatalf("externally provisioned account must not carry a password")
	}
	if !acct.Verified {
		t.Fatalf("expected provider-verified account")
	}
	if acct.BusinessName != "Dana's Business" {
		t.Fatalf("expected generated business name, got %s", acct.BusinessName)
	}
}

func TestExternalLoginLinksExistingAccount(t *testing.T) {
	store := newMemStore()
	verifier := &fakeVerifier{identity: extauth.Identity{
		Subject:       "google-sub-1",
		Email:         "owner@example.com",
		EmailVerified: true,
		Name:          "Dana",
		Picture:       "https://example.com/new-avatar.png",
	}}
	engine := newTestEngine(store, verifier)
	acct := register(t, engine, "owner@example.com")

	result, err := engine.LoginExternal(context.Background(), "raw-token", nil)
	if err != nil {
		t.Fatalf("external login error: %v", err)
	}
	if result.Account.ID != acct.ID {
		t.Fatalf("expected the existing account")
	}

	stored := store.account(t, acct.ID)
	if stored.GoogleID == nil || *stored.GoogleID != "google-sub-1" {
		t.Fatalf("expected google id linked")
	}
	if stored.PasswordHash == nil {
		t.Fatalf("linking must not erase the password hash")
	}
	if stored.AvatarURL != "https://example.com/new-avatar.png" {
		t.Fatalf("expected refreshed avatar")
	}
}

func TestExternalLoginKeepsExistingGoogleID(t *testing.T) {
	store := newMemStore()
	verifier := &fakeVerifier{identity: extauth.Identity{
		Subject: "google-sub-2",
		Email:   "owner@example.com",
		Name:    "Dana",
	}}
	engine := newTestEngine(store, verifier)
	acct := register(t, engine, "owner@example.com")

	existing := "google-sub-1"
	store.mu.Lock()
	store.accounts[acct.ID].GoogleID = &existing
	store.mu.Unlock()

	if _, err := engine.LoginExternal(context.Background(), "raw-token", nil); err != nil {
		t.Fatalf("external login error: %v", err)
	}
	if stored := store.account(t, acct.ID); *stored.GoogleID != "google-sub-1" {
		t.Fatalf("a different linked google id must not be overwritten")
	}
}

func TestExternalLoginFailsClosed(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, &fakeVerifier{err: errors.New("provider unreachable")})

	if _, err := engine.LoginExternal(context.Background(), "raw-token", nil); !errors.Is(err, ErrInvalidExternalToken) {
		t.Fatalf("expected invalid external token, got %v", err)
	}
}

func TestDeviceRegistrationReplaceAndEvict(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	acct := register(t, engine, "owner@example.com")

	tokens := make(map[string]string)
	for i, id := range []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5"} {
		result, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "correct horse"}, &device.Info{
			DeviceID:   id,
			DeviceName: "Phone",
			Platform:   "android",
		})
		if err != nil {
			t.Fatalf("login %d error: %v", i, err)
		}
		if result.DeviceToken == "" {
			t.Fatalf("expected device token issued")
		}
		tokens[id] = result.DeviceToken
		// Keep last_used strictly ordered.
		store.mu.Lock()
		for j := range store.devices[acct.ID] {
			if store.devices[acct.ID][j].DeviceID == id {
				store.devices[acct.ID][j].LastUsed = time.Now().UTC().Add(time.Duration(i) * time.Second)
			}
		}
		store.mu.Unlock()
	}

	// Re-registering dev-3 replaces rather than duplicates.
	result, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "correct horse"}, &device.Info{DeviceID: "dev-3"})
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if result.DeviceToken == tokens["dev-3"] {
		t.Fatalf("expected a fresh token on re-registration")
	}
	store.mu.Lock()
	count := len(store.devices[acct.ID])
	store.mu.Unlock()
	if count != 5 {
		t.Fatalf("expected 5 devices after replace, got %d", count)
	}

	// A sixth distinct device evicts the least recently used (dev-1).
	if _, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "correct horse"}, &device.Info{DeviceID: "dev-6"}); err != nil {
		t.Fatalf("login error: %v", err)
	}
	store.mu.Lock()
	ids := make(map[string]bool)
	for _, entry := range store.devices[acct.ID] {
		ids[entry.DeviceID] = true
	}
	store.mu.Unlock()
	if len(ids) != 5 {
		t.Fatalf("expected exactly 5 devices, got %d", len(ids))
	}
	if ids["dev-1"] {
		t.Fatalf("expected dev-1 evicted as least recently used")
	}
	if !ids["dev-6"] {
		t.Fatalf("expected dev-6 present")
	}
}

func TestVerifyDeviceAndLogout(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	acct := register(t, engine, "owner@example.com")

	result, err := engine.Login(context.Background(), Credentials{Email: acct.Email, Password: "correct horse"}, &device.Info{DeviceID: "dev-1", DeviceName: "Phone", Platform: "ios"})
	if err != nil {
		t.Fatalf("login error: %v", err)
	}

	verified, err := engine.VerifyDevice(context.Background(), result.DeviceToken, "dev-1")
	if err != nil {
		t.Fatalf("verify device error: %v", err)
	}
	if verified.Account.ID != acct.ID {
		t.Fatalf("unexpected account")
	}

	// Wrong device id for a valid token must not match.
	if _, err := engine.VerifyDevice(context.Background(), result.DeviceToken, "dev-2"); !errors.Is(err, ErrInvalidDeviceToken) {
		t.Fatalf("expected invalid device token, got %v", err)
	}

	if err := engine.Logout(context.Background(), acct.ID, "dev-1"); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if _, err := engine.VerifyDevice(context.Background(), result.DeviceToken, "dev-1"); !errors.Is(err, ErrInvalidDeviceToken) {
		t.Fatalf("expected invalid device token after logout, got %v", err)
	}

	// Logging out an unknown device is a no-op, not an error.
	if err := engine.Logout(context.Background(), acct.ID, "dev-unknown"); err != nil {
		t.Fatalf("logout no-op error: %v", err)
	}
}
