package service

import (
	"context"
	"errors"
	"testing"

	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
)

func TestGroupSessionRoundtrip(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	bob := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")
	bobInfo := createTestAccount(t, bob, "bob")

	groupID, err := alice.CreateGroup(ctx, "ops", []string{aliceInfo.UserID, bobInfo.UserID}, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	session, err := alice.CreateEncryptionSession(ctx, []string{aliceInfo.UserID, groupID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	encrypted, err := session.EncryptMessage("group briefing")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Bob has no direct wrapped copy; access goes through the group key.
	bobSession, err := bob.RetrieveEncryptionSession(ctx, session.ID(), false)
	if err != nil {
		t.Fatalf("bob retrieve via group: %v", err)
	}
	if clear, err := bobSession.DecryptMessage(encrypted); err != nil || clear != "group briefing" {
		t.Fatalf("bob decrypt: %q, %v", clear, err)
	}
}

func TestCreateGroupAdminValidation(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	bob := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")
	bobInfo := createTestAccount(t, bob, "bob")

	cases := []struct {
		name    string
		members []string
		admins  []string
	}{
		{"caller not member", []string{bobInfo.UserID}, []string{bobInfo.UserID}},
		{"caller not admin", []string{aliceInfo.UserID, bobInfo.UserID}, []string{bobInfo.UserID}},
		{"admin not member", []string{aliceInfo.UserID}, []string{aliceInfo.UserID, bobInfo.UserID}},
		{"no admins", []string{aliceInfo.UserID}, nil},
	}
	for _, tc := range cases {
		if _, err := alice.CreateGroup(ctx, "g", tc.members, tc.admins); !errors.Is(err, domain.ErrInvalidAdminSet) {
			t.Fatalf("%s: want ErrInvalidAdminSet, got %v", tc.name, err)
		}
	}
}

func TestAddGroupMembersGrantsAccess(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	carol := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")
	carolInfo := createTestAccount(t, carol, "carol")

	groupID, err := alice.CreateGroup(ctx, "ops", []string{aliceInfo.UserID}, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	session, err := alice.CreateEncryptionSession(ctx, []string{aliceInfo.UserID, groupID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := carol.RetrieveEncryptionSession(ctx, session.ID(), false); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("carol before joining: want ErrAccessDenied, got %v", err)
	}

	if err := alice.AddGroupMembers(ctx, groupID, []string{carolInfo.UserID}, nil); err != nil {
		t.Fatalf("add carol: %v", err)
	}
	// The current group key now covers carol's devices, which reaches every
	// session wrapped for that key, including preexisting ones.
	if _, err := carol.RetrieveEncryptionSession(ctx, session.ID(), false); err != nil {
		t.Fatalf("carol after joining: %v", err)
	}
}

func TestAddGroupMembersAdminSubset(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	bob := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")
	bobInfo := createTestAccount(t, bob, "bob")

	groupID, err := alice.CreateGroup(ctx, "ops", []string{aliceInfo.UserID}, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	err = alice.AddGroupMembers(ctx, groupID, nil, []string{bobInfo.UserID})
	if !errors.Is(err, domain.ErrInvalidAdminSet) {
		t.Fatalf("admins must be subset of added members: got %v", err)
	}
}

func TestNonAdminCannotMutateGroup(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	bob := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")
	bobInfo := createTestAccount(t, bob, "bob")

	groupID, err := alice.CreateGroup(ctx, "ops", []string{aliceInfo.UserID, bobInfo.UserID}, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := bob.RemoveGroupMembers(ctx, groupID, []string{aliceInfo.UserID}); !errors.Is(err, domain.ErrNotGroupAdmin) {
		t.Fatalf("want ErrNotGroupAdmin, got %v", err)
	}
	if err := bob.RenewGroupKey(ctx, groupID); !errors.Is(err, domain.ErrNotGroupAdmin) {
		t.Fatalf("renew by non-admin: want ErrNotGroupAdmin, got %v", err)
	}
}

func TestRemoveThenRenewClosesAccess(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	bob := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")
	bobInfo := createTestAccount(t, bob, "bob")

	groupID, err := alice.CreateGroup(ctx, "ops", []string{aliceInfo.UserID, bobInfo.UserID}, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	session, err := alice.CreateEncryptionSession(ctx, []string{aliceInfo.UserID, groupID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	encrypted, err := session.EncryptMessage("before removal")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if err := alice.RemoveGroupMembers(ctx, groupID, []string{bobInfo.UserID}); err != nil {
		t.Fatalf("remove bob: %v", err)
	}
	// Removal alone does not rotate the key; bob keeps access until renewal.
	if _, err := bob.RetrieveEncryptionSession(ctx, session.ID(), false); err != nil {
		t.Fatalf("bob between removal and renewal: %v", err)
	}

	if err := alice.RenewGroupKey(ctx, groupID); err != nil {
		t.Fatalf("renew group key: %v", err)
	}
	if _, err := bob.RetrieveEncryptionSession(ctx, session.ID(), false); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("bob after renewal: want ErrAccessDenied, got %v", err)
	}

	// Remaining members decrypt the same content through the rotated key.
	aliceSession, err := alice.RetrieveEncryptionSession(ctx, session.ID(), false)
	if err != nil {
		t.Fatalf("alice after renewal: %v", err)
	}
	if clear, err := aliceSession.DecryptMessage(encrypted); err != nil || clear != "before removal" {
		t.Fatalf("alice decrypt after renewal: %q, %v", clear, err)
	}
}

func TestCannotRemoveLastAdmin(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	bob := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")
	bobInfo := createTestAccount(t, bob, "bob")

	groupID, err := alice.CreateGroup(ctx, "ops", []string{aliceInfo.UserID, bobInfo.UserID}, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := alice.RemoveGroupMembers(ctx, groupID, []string{aliceInfo.UserID}); !errors.Is(err, domain.ErrCannotRemoveLastAdmin) {
		t.Fatalf("want ErrCannotRemoveLastAdmin, got %v", err)
	}
	if err := alice.SetGroupAdmins(ctx, groupID, nil, []string{aliceInfo.UserID}); !errors.Is(err, domain.ErrCannotRemoveLastAdmin) {
		t.Fatalf("set admins: want ErrCannotRemoveLastAdmin, got %v", err)
	}

	// Handing admin over first makes the removal legal.
	if err := alice.SetGroupAdmins(ctx, groupID, []string{bobInfo.UserID}, nil); err != nil {
		t.Fatalf("grant bob admin: %v", err)
	}
	if err := alice.SetGroupAdmins(ctx, groupID, nil, []string{aliceInfo.UserID}); err != nil {
		t.Fatalf("drop alice admin: %v", err)
	}
}

func TestGroupCannotContainGroup(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")

	inner, err := alice.CreateGroup(ctx, "inner", []string{aliceInfo.UserID}, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create inner group: %v", err)
	}
	_, err = alice.CreateGroup(ctx, "outer", []string{aliceInfo.UserID, inner}, []string{aliceInfo.UserID})
	if !errors.Is(err, domain.ErrInvalidRecipientSet) {
		t.Fatalf("nested group: want ErrInvalidRecipientSet, got %v", err)
	}
}
