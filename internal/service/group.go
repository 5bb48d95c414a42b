package service

import (
	"context"
	"fmt"

	"e2ee-sdk/internal/crypto"
	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/observability/metrics"

	"github.com/google/uuid"
)

// CreateGroup creates a group owning its own key pair, a virtual member all
// group-scoped sessions are wrapped for. The caller must be both a member
// and an admin, and admins must be a subset of members.
func (s *SDK) CreateGroup(ctx context.Context, name string, members, admins []string) (string, error) {
	account, err := s.usableAccount()
	if err != nil {
		return "", err
	}
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}
	if len(admins) == 0 || !memberSet[account.userID] {
		return "", domain.ErrInvalidAdminSet
	}
	callerAdmin := false
	for _, a := range admins {
		if !memberSet[a] {
			return "", domain.ErrInvalidAdminSet
		}
		if a == account.userID {
			callerAdmin = true
		}
	}
	if !callerAdmin {
		return "", domain.ErrInvalidAdminSet
	}

	groupKey, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	wrappedPriv, err := s.wrapGroupKeyForMembers(ctx, groupKey, members)
	if err != nil {
		metrics.GroupOperationsTotal.WithLabelValues("create", "failure").Inc()
		return "", err
	}

	groupID := uuid.NewString()
	err = s.dir.CreateGroup(ctx, directory.CreateGroupRequest{
		GroupID:     groupID,
		Name:        name,
		CreatedBy:   account.userID,
		Members:     members,
		Admins:      admins,
		Pub:         groupKey.Public().Bytes(),
		WrappedPriv: wrappedPriv,
	})
	if err != nil {
		metrics.GroupOperationsTotal.WithLabelValues("create", "failure").Inc()
		return "", err
	}
	metrics.GroupOperationsTotal.WithLabelValues("create", "success").Inc()
	s.log.Info("group created", "group_id", groupID, "members", len(members))
	return groupID, nil
}

// AddGroupMembers adds members, optionally marking some of them admins.
// adminsToSet must be a subset of membersToAdd. New members receive the
// current group key but no copies for past group-scoped sessions; those stay
// unresolved until mass reencryption runs.
func (s *SDK) AddGroupMembers(ctx context.Context, groupID string, membersToAdd, adminsToSet []string) error {
	account, err := s.usableAccount()
	if err != nil {
		return err
	}
	addSet := make(map[string]bool, len(membersToAdd))
	for _, m := range membersToAdd {
		addSet[m] = true
	}
	for _, a := range adminsToSet {
		if !addSet[a] {
			return domain.ErrInvalidAdminSet
		}
	}

	group, err := s.dir.Group(ctx, groupID, account.deviceID)
	if err != nil {
		return err
	}
	groupKey, err := s.unwrapGroupKey(account, group)
	if err != nil {
		return err
	}
	wrappedPriv, err := s.wrapGroupKeyForMembers(ctx, groupKey, membersToAdd)
	if err != nil {
		metrics.GroupOperationsTotal.WithLabelValues("add_members", "failure").Inc()
		return err
	}
	if err := s.dir.AddGroupMembers(ctx, groupID, account.userID, membersToAdd, adminsToSet, wrappedPriv); err != nil {
		metrics.GroupOperationsTotal.WithLabelValues("add_members", "failure").Inc()
		return err
	}
	metrics.GroupOperationsTotal.WithLabelValues("add_members", "success").Inc()
	return nil
}

// RemoveGroupMembers removes members. The group key is deliberately left
// unchanged: removed members keep decryption capability for the old key
// until RenewGroupKey is called, which is the prescribed forward-secrecy
// transition.
func (s *SDK) RemoveGroupMembers(ctx context.Context, groupID string, membersToRemove []string) error {
	account, err := s.usableAccount()
	if err != nil {
		return err
	}
	if err := s.dir.RemoveGroupMembers(ctx, groupID, account.userID, membersToRemove); err != nil {
		metrics.GroupOperationsTotal.WithLabelValues("remove_members", "failure").Inc()
		return err
	}
	metrics.GroupOperationsTotal.WithLabelValues("remove_members", "success").Inc()
	return nil
}

// RenewGroupKey generates a new group key pair, rewraps it for all current
// members and rewraps every group-scoped session key under it. The directory
// applies the bundle atomically, guarded by an epoch compare-and-swap.
func (s *SDK) RenewGroupKey(ctx context.Context, groupID string) error {
	account, err := s.usableAccount()
	if err != nil {
		return err
	}
	group, err := s.dir.Group(ctx, groupID, account.deviceID)
	if err != nil {
		return err
	}
	oldKey, err := s.unwrapGroupKey(account, group)
	if err != nil {
		return err
	}

	sessions, err := s.dir.GroupSessions(ctx, groupID, account.userID)
	if err != nil {
		return err
	}

	newKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	newPub := newKey.Public()

	sessionKeys := make(map[string][]byte, len(sessions))
	for _, sk := range sessions {
		contentKey, err := oldKey.Unwrap(sk.Wrapped)
		if err != nil {
			return fmt.Errorf("service: session %s: %w", sk.SessionID, mapCryptoErr(err))
		}
		rewrapped, err := newPub.Wrap(contentKey)
		if err != nil {
			return err
		}
		sessionKeys[sk.SessionID] = rewrapped
	}

	wrappedPriv, err := s.wrapGroupKeyForMembers(ctx, newKey, group.Members)
	if err != nil {
		return err
	}

	err = s.dir.RenewGroupKey(ctx, groupID, account.userID, directory.RenewGroupKeyBundle{
		FromEpoch:   group.Epoch,
		NewPub:      newPub.Bytes(),
		WrappedPriv: wrappedPriv,
		SessionKeys: sessionKeys,
	})
	if err != nil {
		metrics.GroupOperationsTotal.WithLabelValues("renew_key", "failure").Inc()
		return err
	}
	metrics.GroupOperationsTotal.WithLabelValues("renew_key", "success").Inc()
	s.log.Info("group key renewed", "group_id", groupID, "epoch", group.Epoch+1, "sessions", len(sessionKeys))
	return nil
}

// SetGroupAdmins grants and withdraws admin status. Fails with
// ErrCannotRemoveLastAdmin if it would leave the group without admins.
func (s *SDK) SetGroupAdmins(ctx context.Context, groupID string, addToAdmins, removeFromAdmins []string) error {
	account, err := s.usableAccount()
	if err != nil {
		return err
	}
	if err := s.dir.SetGroupAdmins(ctx, groupID, account.userID, addToAdmins, removeFromAdmins); err != nil {
		metrics.GroupOperationsTotal.WithLabelValues("set_admins", "failure").Inc()
		return err
	}
	metrics.GroupOperationsTotal.WithLabelValues("set_admins", "success").Inc()
	return nil
}

// unwrapGroupKey recovers the group private key from the copy wrapped for
// the current device.
func (s *SDK) unwrapGroupKey(account accountState, group *directory.GroupInfo) (crypto.PrivateKey, error) {
	if len(group.WrappedPrivForCaller) == 0 {
		return nil, domain.ErrAccessDenied
	}
	seed, err := account.key.Unwrap(group.WrappedPrivForCaller)
	if err != nil {
		return nil, mapCryptoErr(err)
	}
	key, err := crypto.ParsePrivateKey(seed)
	if err != nil {
		return nil, mapCryptoErr(err)
	}
	return key, nil
}

// wrapGroupKeyForMembers wraps the group private key for every non-revoked
// device of the given members.
func (s *SDK) wrapGroupKeyForMembers(ctx context.Context, groupKey crypto.PrivateKey, members []string) (map[string][]byte, error) {
	resolved, err := s.dir.RecipientKeys(ctx, members)
	if err != nil {
		return nil, err
	}
	seed := groupKey.Bytes()
	out := make(map[string][]byte)
	for _, r := range resolved {
		if r.IsGroup {
			return nil, fmt.Errorf("%w: group %s cannot be a member of a group", domain.ErrInvalidRecipientSet, r.ID)
		}
		for _, dev := range r.Devices {
			pub, err := crypto.ParsePublicKey(dev.Pub)
			if err != nil {
				return nil, fmt.Errorf("service: device %s: %w", dev.DeviceID, err)
			}
			wrapped, err := pub.Wrap(seed)
			if err != nil {
				return nil, err
			}
			out[dev.DeviceID] = wrapped
		}
	}
	return out, nil
}
