package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"e2ee-sdk/internal/crypto"
	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/store"
)

// DefaultKeyValidity is the validity window of newly created device keys.
const DefaultKeyValidity = 5 * 365 * 24 * time.Hour

// Options configures an SDK instance.
type Options struct {
	Directory directory.Client
	Store     *store.Store
	Logger    *slog.Logger

	// CacheTTL controls the encryption-session cache: negative caches
	// forever, zero disables the cache, positive sets a finite TTL.
	CacheTTL time.Duration

	// DefaultKeyValidity is used when a key-creating call passes zero.
	// Defaults to 5 years.
	DefaultKeyValidity time.Duration

	// Reencrypt overrides the per-call defaults for MassReencrypt.
	Reencrypt *MassReencryptOptions
}

// SDK is one instance of the key-distribution engine, holding at most one
// local account. It is safe for concurrent use; the account state, the
// session cache and each session handle have their own locks, and no lock is
// held across directory round-trips in batch operations.
type SDK struct {
	dir   directory.Client
	store *store.Store
	log   *slog.Logger

	defaultKeyValidity time.Duration
	defaultReencrypt   MassReencryptOptions
	cache              *SessionCache

	mu      sync.Mutex
	account *accountState

	sleep func(time.Duration)
	now   func() time.Time
}

type accountState struct {
	userID      string
	deviceID    string
	displayName string
	deviceName  string
	key         crypto.PrivateKey
	expiresAt   time.Time
}

// New builds an SDK instance, loading any previously persisted account and
// session cache from the local store.
func New(ctx context.Context, opts Options) (*SDK, error) {
	if opts.Directory == nil {
		return nil, errors.New("service: nil directory client")
	}
	if opts.Store == nil {
		return nil, errors.New("service: nil store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validity := opts.DefaultKeyValidity
	if validity == 0 {
		validity = DefaultKeyValidity
	}
	reencrypt := DefaultMassReencryptOptions()
	if opts.Reencrypt != nil {
		reencrypt = *opts.Reencrypt
	}

	sdk := &SDK{
		dir:                opts.Directory,
		store:              opts.Store,
		log:                logger,
		defaultKeyValidity: validity,
		defaultReencrypt:   reencrypt,
		cache:              NewSessionCache(opts.CacheTTL),
		sleep:              time.Sleep,
		now:                time.Now,
	}

	rec, err := opts.Store.Accounts().Load(ctx)
	switch {
	case err == nil:
		key, err := crypto.ParsePrivateKey(rec.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("service: stored account key: %w", err)
		}
		sdk.account = &accountState{
			userID:      rec.UserID,
			deviceID:    rec.DeviceID,
			displayName: rec.DisplayName,
			deviceName:  rec.DeviceName,
			key:         key,
			expiresAt:   rec.ExpiresAt,
		}
	case errors.Is(err, store.ErrRecordNotFound):
		// fresh instance
	default:
		return nil, err
	}

	if err := sdk.cache.load(ctx, opts.Store.SessionCache()); err != nil {
		logger.Warn("session cache load failed", "error", err)
	}
	return sdk, nil
}

// Close persists the session cache and releases the local database. The
// instance must not be used afterwards.
func (s *SDK) Close(ctx context.Context) error {
	if err := s.cache.save(ctx, s.store.SessionCache()); err != nil {
		s.log.Warn("session cache save failed", "error", err)
	}
	return s.store.Close()
}

// CurrentAccountInfo returns the local account, or nil if none exists.
func (s *SDK) CurrentAccountInfo() *domain.AccountInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return nil
	}
	return &domain.AccountInfo{UserID: s.account.userID, DeviceID: s.account.deviceID}
}

// PushJWT forwards a JWT to the directory, for example to authorize adding a
// connector to the current account.
func (s *SDK) PushJWT(ctx context.Context, token string) error {
	if _, err := s.usableAccount(); err != nil {
		return err
	}
	return s.dir.PushJWT(ctx, token)
}

// Heartbeat calls the directory without doing anything, verifying that the
// current instance has a valid identity.
func (s *SDK) Heartbeat(ctx context.Context) error {
	if _, err := s.usableAccount(); err != nil {
		return err
	}
	return s.dir.Heartbeat(ctx)
}

// usableAccount snapshots the account state, failing with ErrNoAccount or
// ErrDeviceExpired. Every operation except account creation, identity import
// and key renewal goes through here.
func (s *SDK) usableAccount() (accountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return accountState{}, domain.ErrNoAccount
	}
	if s.now().After(s.account.expiresAt) {
		return accountState{}, domain.ErrDeviceExpired
	}
	return *s.account, nil
}

func mapCryptoErr(err error) error {
	switch {
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return domain.ErrDecryptionFailed
	case errors.Is(err, crypto.ErrMalformed):
		return domain.ErrMalformedCiphertext
	default:
		return err
	}
}
