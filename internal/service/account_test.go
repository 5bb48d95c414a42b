package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
)

func TestCreateAccountTwice(t *testing.T) {
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	createTestAccount(t, alice, "alice")
	_, err := alice.CreateAccount(context.Background(), "alice", "second", "signup-jwt", 0)
	if !errors.Is(err, domain.ErrAccountAlreadyExists) {
		t.Fatalf("want ErrAccountAlreadyExists, got %v", err)
	}
}

func TestOperationsRequireAccount(t *testing.T) {
	dir := directory.NewMemory()
	sdk := newTestSDK(t, dir)
	if _, err := sdk.CreateEncryptionSession(context.Background(), []string{"someone"}); !errors.Is(err, domain.ErrNoAccount) {
		t.Fatalf("create session: want ErrNoAccount, got %v", err)
	}
	if err := sdk.Heartbeat(context.Background()); !errors.Is(err, domain.ErrNoAccount) {
		t.Fatalf("heartbeat: want ErrNoAccount, got %v", err)
	}
	if sdk.CurrentAccountInfo() != nil {
		t.Fatal("fresh instance must have no account")
	}
}

func TestExpiredDeviceGatingAndRenewal(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)

	info, err := alice.CreateAccount(ctx, "alice", "laptop", "signup-jwt", time.Hour)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	base := time.Now()
	alice.now = func() time.Time { return base.Add(2 * time.Hour) }

	if _, err := alice.CreateEncryptionSession(ctx, []string{info.UserID}); !errors.Is(err, domain.ErrDeviceExpired) {
		t.Fatalf("expired device: want ErrDeviceExpired, got %v", err)
	}

	// Key renewal is allowed on an expired device and restores it.
	if err := alice.RenewKeys(ctx, 24*time.Hour); err != nil {
		t.Fatalf("renew keys: %v", err)
	}
	if _, err := alice.CreateEncryptionSession(ctx, []string{info.UserID}); err != nil {
		t.Fatalf("after renewal: %v", err)
	}
}

func TestExportImportIdentity(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")

	session, err := alice.CreateEncryptionSession(ctx, []string{aliceInfo.UserID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	encrypted, err := session.EncryptMessage("moving house")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	blob, err := alice.ExportIdentity(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	clone := newTestSDK(t, dir)
	if err := clone.ImportIdentity(ctx, blob); err != nil {
		t.Fatalf("import: %v", err)
	}
	got := clone.CurrentAccountInfo()
	if got == nil || got.UserID != aliceInfo.UserID || got.DeviceID != aliceInfo.DeviceID {
		t.Fatalf("imported identity mismatch: %+v", got)
	}

	cloneSession, err := clone.RetrieveEncryptionSessionFromMessage(ctx, encrypted, false)
	if err != nil {
		t.Fatalf("retrieve on clone: %v", err)
	}
	if clear, err := cloneSession.DecryptMessage(encrypted); err != nil || clear != "moving house" {
		t.Fatalf("decrypt on clone: %q, %v", clear, err)
	}

	if err := alice.ImportIdentity(ctx, blob); !errors.Is(err, domain.ErrAccountAlreadyExists) {
		t.Fatalf("import over existing account: want ErrAccountAlreadyExists, got %v", err)
	}
}

func TestImportIdentityRejectsGarbage(t *testing.T) {
	dir := directory.NewMemory()
	sdk := newTestSDK(t, dir)
	if err := sdk.ImportIdentity(context.Background(), []byte("not an export")); err == nil {
		t.Fatal("garbage import must fail")
	}
}

func TestCreateSubIdentity(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newTestSDK(t, dir)
	aliceInfo := createTestAccount(t, alice, "alice")

	resp, err := alice.CreateSubIdentity(ctx, "phone", 0)
	if err != nil {
		t.Fatalf("create sub-identity: %v", err)
	}
	if resp.DeviceID == aliceInfo.DeviceID {
		t.Fatal("sub-identity must be a distinct device")
	}

	phone := newTestSDK(t, dir)
	if err := phone.ImportIdentity(ctx, resp.BackupKey); err != nil {
		t.Fatalf("import backup key: %v", err)
	}
	got := phone.CurrentAccountInfo()
	if got == nil || got.UserID != aliceInfo.UserID || got.DeviceID != resp.DeviceID {
		t.Fatalf("backup identity mismatch: %+v", got)
	}

	devices, err := dir.UserDevices(ctx, aliceInfo.UserID)
	if err != nil {
		t.Fatalf("user devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("want 2 devices, got %d", len(devices))
	}
}

func TestConcurrentCreateAccountSingleWinner(t *testing.T) {
	dir := directory.NewMemory()
	sdk := newTestSDK(t, dir)

	const n = 8
	var wg sync.WaitGroup
	infos := make([]*domain.AccountInfo, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			infos[i], errs[i] = sdk.CreateAccount(context.Background(), "alice", "laptop", "signup-jwt", 0)
		}(i)
	}
	wg.Wait()

	winners := 0
	var winner *domain.AccountInfo
	for i := 0; i < n; i++ {
		switch {
		case errs[i] == nil:
			winners++
			winner = infos[i]
		case !errors.Is(errs[i], domain.ErrAccountAlreadyExists):
			t.Fatalf("call %d: unexpected error %v", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("want exactly one winner, got %d", winners)
	}
	got := sdk.CurrentAccountInfo()
	if got == nil || got.UserID != winner.UserID || got.DeviceID != winner.DeviceID {
		t.Fatalf("installed account %+v does not match winner %+v", got, winner)
	}
}
