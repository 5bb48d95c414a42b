package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"e2ee-sdk/internal/crypto"
	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/store"

	"github.com/google/uuid"
)

// CreateSubIdentityResponse holds a newly created device and the identity
// export that installs its key material into another instance.
type CreateSubIdentityResponse struct {
	DeviceID  string
	BackupKey []byte
}

// CreateAccount creates a new account for this instance. It fails with
// ErrAccountAlreadyExists if the instance already holds one.
func (s *SDK) CreateAccount(ctx context.Context, displayName, deviceName, signupJWT string, keyValidity time.Duration) (*domain.AccountInfo, error) {
	s.mu.Lock()
	if s.account != nil {
		s.mu.Unlock()
		return nil, domain.ErrAccountAlreadyExists
	}
	s.mu.Unlock()

	if keyValidity <= 0 {
		keyValidity = s.defaultKeyValidity
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	userID := uuid.NewString()
	deviceID := uuid.NewString()
	expiresAt := s.now().Add(keyValidity).UTC()

	err = s.dir.CreateAccount(ctx, directory.CreateAccountRequest{
		SignupJWT:   signupJWT,
		UserID:      userID,
		DisplayName: displayName,
		Device: directory.DeviceRegistration{
			DeviceID:  deviceID,
			Name:      deviceName,
			Pub:       key.Public().Bytes(),
			ExpiresAt: expiresAt,
		},
	})
	if err != nil {
		return nil, err
	}

	state := &accountState{
		userID:      userID,
		deviceID:    deviceID,
		displayName: displayName,
		deviceName:  deviceName,
		key:         key,
		expiresAt:   expiresAt,
	}
	if err := s.installAccount(ctx, state); err != nil {
		return nil, err
	}

	s.log.Info("account created", "user_id", userID, "device_id", deviceID)
	return &domain.AccountInfo{UserID: userID, DeviceID: deviceID}, nil
}

// RenewKeys extends the validity of the current device key. It is the only
// operation besides import that is allowed on an expired device.
func (s *SDK) RenewKeys(ctx context.Context, keyValidity time.Duration) error {
	s.mu.Lock()
	if s.account == nil {
		s.mu.Unlock()
		return domain.ErrNoAccount
	}
	state := *s.account
	s.mu.Unlock()

	if keyValidity <= 0 {
		keyValidity = s.defaultKeyValidity
	}
	expiresAt := s.now().Add(keyValidity).UTC()
	if err := s.dir.RenewDevice(ctx, state.userID, state.deviceID, state.key.Public().Bytes(), expiresAt); err != nil {
		return err
	}

	state.expiresAt = expiresAt
	if err := s.persistAccount(ctx, &state); err != nil {
		return err
	}
	s.mu.Lock()
	s.account.expiresAt = expiresAt
	s.mu.Unlock()

	s.log.Info("device keys renewed", "device_id", state.deviceID, "expires_at", expiresAt)
	return nil
}

// CreateSubIdentity creates a new device under the current account and
// returns its identity export. The new device has no wrapped key copies for
// preexisting sessions; run MassReencrypt for it afterwards.
func (s *SDK) CreateSubIdentity(ctx context.Context, deviceName string, keyValidity time.Duration) (*CreateSubIdentityResponse, error) {
	account, err := s.usableAccount()
	if err != nil {
		return nil, err
	}
	if keyValidity <= 0 {
		keyValidity = s.defaultKeyValidity
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	deviceID := uuid.NewString()
	expiresAt := s.now().Add(keyValidity).UTC()

	err = s.dir.AddDevice(ctx, account.userID, directory.DeviceRegistration{
		DeviceID:  deviceID,
		Name:      deviceName,
		Pub:       key.Public().Bytes(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Devices().Upsert(ctx, domain.Device{
		ID:        deviceID,
		UserID:    account.userID,
		Name:      deviceName,
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, err
	}

	blob, err := encodeIdentityExport(identityExport{
		UserID:      account.userID,
		DeviceID:    deviceID,
		DisplayName: account.displayName,
		DeviceName:  deviceName,
		Key:         base64.StdEncoding.EncodeToString(key.Bytes()),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("sub-identity created", "device_id", deviceID)
	return &CreateSubIdentityResponse{DeviceID: deviceID, BackupKey: blob}, nil
}

// ExportIdentity serializes the current device's full key material.
func (s *SDK) ExportIdentity(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return nil, domain.ErrNoAccount
	}
	return encodeIdentityExport(identityExport{
		UserID:      s.account.userID,
		DeviceID:    s.account.deviceID,
		DisplayName: s.account.displayName,
		DeviceName:  s.account.deviceName,
		Key:         base64.StdEncoding.EncodeToString(s.account.key.Bytes()),
		ExpiresAt:   s.account.expiresAt,
	})
}

// ImportIdentity loads an identity export into this instance. It fails with
// ErrAccountAlreadyExists if the instance already holds an account.
func (s *SDK) ImportIdentity(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	if s.account != nil {
		s.mu.Unlock()
		return domain.ErrAccountAlreadyExists
	}
	s.mu.Unlock()

	var export identityExport
	if err := json.Unmarshal(blob, &export); err != nil {
		return fmt.Errorf("service: invalid identity export: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(export.Key)
	if err != nil {
		return fmt.Errorf("service: invalid identity export: %w", err)
	}
	key, err := crypto.ParsePrivateKey(raw)
	if err != nil {
		return fmt.Errorf("service: invalid identity export: %w", err)
	}

	state := &accountState{
		userID:      export.UserID,
		deviceID:    export.DeviceID,
		displayName: export.DisplayName,
		deviceName:  export.DeviceName,
		key:         key,
		expiresAt:   export.ExpiresAt,
	}
	if err := s.installAccount(ctx, state); err != nil {
		return err
	}

	s.log.Info("identity imported", "user_id", export.UserID, "device_id", export.DeviceID)
	return nil
}

type identityExport struct {
	UserID      string    `json:"userId"`
	DeviceID    string    `json:"deviceId"`
	DisplayName string    `json:"displayName"`
	DeviceName  string    `json:"deviceName"`
	Key         string    `json:"key"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func encodeIdentityExport(e identityExport) ([]byte, error) {
	return json.Marshal(e)
}

// installAccount claims the single account slot and persists it. The initial
// nil check in the callers runs unlocked, so the slot is re-checked here; the
// loser of a concurrent create gets ErrAccountAlreadyExists instead of
// overwriting the winner.
func (s *SDK) installAccount(ctx context.Context, state *accountState) error {
	s.mu.Lock()
	if s.account != nil {
		s.mu.Unlock()
		return domain.ErrAccountAlreadyExists
	}
	s.account = state
	s.mu.Unlock()

	if err := s.persistAccount(ctx, state); err != nil {
		s.mu.Lock()
		s.account = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *SDK) persistAccount(ctx context.Context, state *accountState) error {
	return s.store.Accounts().Save(ctx, store.AccountRecord{
		UserID:      state.userID,
		DeviceID:    state.deviceID,
		DisplayName: state.displayName,
		DeviceName:  state.deviceName,
		PrivateKey:  state.key.Bytes(),
		ExpiresAt:   state.expiresAt,
		CreatedAt:   s.now().UTC(),
	})
}
