package service

import (
	"context"
	"errors"
	"time"

	"e2ee-sdk/internal/crypto"
	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/observability/metrics"
)

// MassReencryptOptions tunes the reencryption reconciler. Start from
// DefaultMassReencryptOptions; passing the zero value to MassReencrypt uses
// the instance defaults.
type MassReencryptOptions struct {
	// Retries is the retry budget per fetch and per session wrap.
	Retries int
	// RetrieveBatchSize bounds how many missing-key sessions are fetched at
	// a time.
	RetrieveBatchSize int
	// WaitBetweenRetries is the delay after a transient failure.
	WaitBetweenRetries time.Duration
	// WaitProvisioning polls the device provisioning status before starting.
	WaitProvisioning bool
	// WaitProvisioningTime is the initial poll wait, incremented by
	// WaitProvisioningTimeStep on each try up to WaitProvisioningTimeMax.
	WaitProvisioningTime     time.Duration
	WaitProvisioningTimeMax  time.Duration
	WaitProvisioningTimeStep time.Duration
	// WaitProvisioningRetries bounds the provisioning poll attempts.
	WaitProvisioningRetries int
	// ForceLocalAccountUpdate refreshes the local device list first.
	ForceLocalAccountUpdate bool
}

func DefaultMassReencryptOptions() MassReencryptOptions {
	return MassReencryptOptions{
		Retries:                  3,
		RetrieveBatchSize:        1000,
		WaitBetweenRetries:       3 * time.Second,
		WaitProvisioning:         true,
		WaitProvisioningTime:     5 * time.Second,
		WaitProvisioningTimeMax:  10 * time.Second,
		WaitProvisioningTimeStep: time.Second,
		WaitProvisioningRetries:  100,
	}
}

// DevicesMissingKeys lists the devices of the current account that are
// missing wrapped session keys. The count may under-report for recently
// created devices still being provisioned server-side. With forceRefresh the
// local device list is updated from the directory first.
func (s *SDK) DevicesMissingKeys(ctx context.Context, forceRefresh bool) ([]domain.DeviceMissingKeys, error) {
	account, err := s.usableAccount()
	if err != nil {
		return nil, err
	}
	if forceRefresh {
		if err := s.refreshLocalDevices(ctx, account.userID); err != nil {
			return nil, err
		}
	}
	return s.dir.DevicesMissingKeys(ctx, account.userID)
}

func (s *SDK) refreshLocalDevices(ctx context.Context, userID string) error {
	devices, err := s.dir.UserDevices(ctx, userID)
	if err != nil {
		return err
	}
	for _, d := range devices {
		rec := domain.Device{
			ID:        d.DeviceID,
			UserID:    d.UserID,
			Name:      d.Name,
			CreatedAt: d.CreatedAt,
			ExpiresAt: d.ExpiresAt,
		}
		if err := s.store.Devices().Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// MassReencrypt wraps a copy of the content key of every session the target
// device should access but is missing. It is the system's self-healing
// mechanism against provisioning and fan-out gaps, and is safe to call
// repeatedly: rewrapping an already-present copy is a no-op.
//
// Counts accumulated so far are returned even when the call terminates
// early; partial failure of individual sessions is reported in Failed and is
// not fatal to the batch.
func (s *SDK) MassReencrypt(ctx context.Context, deviceID string, opts MassReencryptOptions) (domain.MassReencryptResponse, error) {
	var resp domain.MassReencryptResponse

	account, err := s.usableAccount()
	if err != nil {
		return resp, err
	}
	if opts == (MassReencryptOptions{}) {
		opts = s.defaultReencrypt
	}

	if opts.ForceLocalAccountUpdate {
		if err := s.refreshLocalDevices(ctx, account.userID); err != nil {
			return resp, err
		}
	}

	if opts.WaitProvisioning {
		if err := s.waitForProvisioning(ctx, deviceID, opts); err != nil {
			return resp, err
		}
	}

	target, err := withRetries(s, opts, func() (*directory.DeviceInfo, error) {
		return s.dir.Device(ctx, deviceID)
	})
	if err != nil {
		return resp, err
	}
	targetPub, err := crypto.ParsePublicKey(target.Pub)
	if err != nil {
		return resp, err
	}

	failed := make(map[string]bool)
	for {
		// Widen the fetch past the failed set: of fetchSize sessions at most
		// len(failed) can be known failures, so any remaining missing session
		// is guaranteed to show up until all have been attempted.
		fetchSize := opts.RetrieveBatchSize + len(failed)
		batch, err := withRetries(s, opts, func() ([]directory.MissingKeySession, error) {
			return s.dir.MissingKeySessions(ctx, account.deviceID, deviceID, fetchSize)
		})
		if err != nil {
			// fetch exhausted its retry budget; report what we have
			return resp, err
		}

		progress := false
		for _, missing := range batch {
			if failed[missing.SessionID] {
				continue
			}
			progress = true
			if err := s.rewrapOne(ctx, account, targetPub, deviceID, missing, opts); err != nil {
				s.log.Warn("session rewrap failed", "session_id", missing.SessionID, "device_id", deviceID, "error", err)
				metrics.ReencryptedKeysTotal.WithLabelValues("failure").Inc()
				failed[missing.SessionID] = true
				resp.Failed++
				continue
			}
			metrics.ReencryptedKeysTotal.WithLabelValues("success").Inc()
			resp.Reencrypted++
		}
		if !progress {
			break
		}
	}

	s.log.Info("mass reencryption finished", "device_id", deviceID,
		"reencrypted", resp.Reencrypted, "failed", resp.Failed)
	return resp, nil
}

// rewrapOne unwraps the calling device's copy and pushes a copy wrapped for
// the target device, retrying transient push failures.
func (s *SDK) rewrapOne(ctx context.Context, account accountState, targetPub crypto.PublicKey, deviceID string, missing directory.MissingKeySession, opts MassReencryptOptions) error {
	contentKey, err := account.key.Unwrap(missing.WrappedForCaller)
	if err != nil {
		return mapCryptoErr(err)
	}
	wrapped, err := targetPub.Wrap(contentKey)
	if err != nil {
		return err
	}
	_, err = withRetries(s, opts, func() (struct{}, error) {
		return struct{}{}, s.dir.PushWrappedKeys(ctx, deviceID, []directory.WrappedSessionKey{
			{SessionID: missing.SessionID, Wrapped: wrapped},
		})
	})
	return err
}

// waitForProvisioning polls the provisioning status with a stepped back-off:
// the wait starts at WaitProvisioningTime and grows by WaitProvisioningTimeStep
// up to WaitProvisioningTimeMax, bounded by WaitProvisioningRetries.
func (s *SDK) waitForProvisioning(ctx context.Context, deviceID string, opts MassReencryptOptions) error {
	wait := opts.WaitProvisioningTime
	for attempt := 0; attempt < opts.WaitProvisioningRetries; attempt++ {
		provisioned, err := s.dir.ProvisioningStatus(ctx, deviceID)
		if err != nil && !errors.Is(err, domain.ErrTransient) {
			if errors.Is(err, domain.ErrDeviceNotProvisioned) {
				provisioned = false
			} else {
				return err
			}
		}
		if provisioned {
			return nil
		}
		s.sleep(wait)
		wait += opts.WaitProvisioningTimeStep
		if wait > opts.WaitProvisioningTimeMax {
			wait = opts.WaitProvisioningTimeMax
		}
	}
	return domain.ErrDeviceNotProvisioned
}

// withRetries retries fn on transient failures only, up to the configured
// budget, sleeping WaitBetweenRetries between attempts.
func withRetries[T any](s *SDK, opts MassReencryptOptions, fn func() (T, error)) (T, error) {
	var zero T
	attempts := opts.Retries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrTransient) {
			return zero, err
		}
		lastErr = err
		if i < attempts-1 {
			s.sleep(opts.WaitBetweenRetries)
		}
	}
	return zero, lastErr
}
