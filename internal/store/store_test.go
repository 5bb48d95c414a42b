package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"e2ee-sdk/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAccountSaveLoad(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if _, err := st.Accounts().Load(ctx); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("empty store: want ErrRecordNotFound, got %v", err)
	}

	rec := AccountRecord{
		UserID:      "user-1",
		DeviceID:    "device-1",
		DisplayName: "alice",
		DeviceName:  "laptop",
		PrivateKey:  []byte{1, 2, 3, 4},
		ExpiresAt:   time.Now().Add(time.Hour).UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.Accounts().Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.Accounts().Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.UserID != "user-1" || got.DeviceID != "device-1" || !bytes.Equal(got.PrivateKey, rec.PrivateKey) {
		t.Fatalf("load mismatch: %+v", got)
	}

	// Saving again for the same user updates in place.
	rec.DeviceID = "device-2"
	rec.PrivateKey = []byte{5, 6, 7, 8}
	if err := st.Accounts().Save(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = st.Accounts().Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.DeviceID != "device-2" || !bytes.Equal(got.PrivateKey, []byte{5, 6, 7, 8}) {
		t.Fatalf("upsert mismatch: %+v", got)
	}
}

func TestDeviceUpsertAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	dev := domain.Device{
		ID:        "device-1",
		UserID:    "user-1",
		Name:      "laptop",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
	if err := st.Devices().Upsert(ctx, dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	dev.Name = "laptop-renamed"
	if err := st.Devices().Upsert(ctx, dev); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	devices, err := st.Devices().ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "laptop-renamed" {
		t.Fatalf("list mismatch: %+v", devices)
	}
	none, err := st.Devices().ListForUser(ctx, "user-2")
	if err != nil {
		t.Fatalf("list other user: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("want no devices for user-2, got %+v", none)
	}
}

func TestConnectorStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	conn := domain.Connector{
		ID:     "conn-1",
		UserID: "user-1",
		Type:   domain.ConnectorTypeEmail,
		Value:  "alice@example.com",
		State:  domain.ConnectorStatePending,
	}
	if err := st.Connectors().Upsert(ctx, conn); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Pending connectors are not found by pair lookup.
	if _, err := st.Connectors().FindByPair(ctx, conn.Type, conn.Value); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("pending pair lookup: want ErrRecordNotFound, got %v", err)
	}

	conn.State = domain.ConnectorStateValidated
	if err := st.Connectors().Upsert(ctx, conn); err != nil {
		t.Fatalf("validate upsert: %v", err)
	}
	found, err := st.Connectors().FindByPair(ctx, conn.Type, conn.Value)
	if err != nil {
		t.Fatalf("pair lookup: %v", err)
	}
	if found.ID != "conn-1" {
		t.Fatalf("pair lookup mismatch: %+v", found)
	}

	listed, err := st.Connectors().ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("want 1 connector, got %d", len(listed))
	}

	if err := st.Connectors().Delete(ctx, "conn-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Connectors().Get(ctx, "conn-1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("after delete: want ErrRecordNotFound, got %v", err)
	}
}

func TestSessionCacheStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	rec := SessionCacheRecord{
		SessionID:  "session-1",
		ContentKey: []byte{9, 9, 9},
		Recipients: `["user-1","user-2"]`,
		CachedAt:   time.Now().UTC(),
	}
	if err := st.SessionCache().Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.ContentKey = []byte{1, 1, 1}
	if err := st.SessionCache().Save(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	recs, err := st.SessionCache().LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(recs) != 1 || !bytes.Equal(recs[0].ContentKey, []byte{1, 1, 1}) {
		t.Fatalf("load mismatch: %+v", recs)
	}

	if err := st.SessionCache().Delete(ctx, "session-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.SessionCache().Save(ctx, rec); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if err := st.SessionCache().Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	recs, err = st.SessionCache().LoadAll(ctx)
	if err != nil {
		t.Fatalf("load after clear: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("want empty cache, got %+v", recs)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sentinel := errors.New("boom")
	err := st.WithTx(ctx, func(tx *Store) error {
		if err := tx.Devices().Upsert(ctx, domain.Device{ID: "d1", UserID: "u1", Name: "n"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("want sentinel error, got %v", err)
	}
	devices, err := st.Devices().ListForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("rollback failed, got %+v", devices)
	}
}
