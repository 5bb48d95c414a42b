package service

import (
	"context"
	"testing"
	"time"

	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

// newTestSDK builds an SDK on an in-memory store with a forever cache and
// delays stubbed out.
func newTestSDK(t *testing.T, dir directory.Client) *SDK {
	t.Helper()
	sdk, err := New(context.Background(), Options{
		Directory: dir,
		Store:     newTestStore(t),
		CacheTTL:  -1,
	})
	if err != nil {
		t.Fatalf("new sdk: %v", err)
	}
	sdk.sleep = func(time.Duration) {}
	return sdk
}

func createTestAccount(t *testing.T, sdk *SDK, name string) *domain.AccountInfo {
	t.Helper()
	info, err := sdk.CreateAccount(context.Background(), name, name+"-device", "signup-jwt", 0)
	if err != nil {
		t.Fatalf("create account %s: %v", name, err)
	}
	return info
}
