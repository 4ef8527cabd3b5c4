package session

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreGrantAndLookup(t *testing.T) {
	store := openTestStore(t)
	account := makeAddress(0x01)
	key := makeAddress(0x02)

	record := &Session{
		Account:        account,
		Key:            key,
		Expiry:         5_000,
		AllowedActions: []Action{ActionOpenLoan, ActionUpdateParams},
	}
	if err := store.Grant(record); err != nil {
		t.Fatalf("grant: %v", err)
	}

	loaded, ok, err := store.Session(account)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("session should exist")
	}
	if !loaded.Account.Equal(account) || !loaded.Key.Equal(key) || loaded.Expiry != 5_000 {
		t.Fatalf("unexpected record: %+v", loaded)
	}
	if len(loaded.AllowedActions) != 2 || !loaded.Allows(ActionOpenLoan) || !loaded.Allows(ActionUpdateParams) {
		t.Fatalf("unexpected actions: %v", loaded.AllowedActions)
	}
}

func TestStoreGrantReplaces(t *testing.T) {
	store := openTestStore(t)
	account := makeAddress(0x01)

	first := &Session{Account: account, Key: makeAddress(0x02), Expiry: 1_000, AllowedActions: []Action{ActionOpenLoan}}
	if err := store.Grant(first); err != nil {
		t.Fatalf("grant: %v", err)
	}
	second := &Session{Account: account, Key: makeAddress(0x03), Expiry: 2_000, AllowedActions: []Action{ActionRepayLoan}}
	if err := store.Grant(second); err != nil {
		t.Fatalf("re-grant: %v", err)
	}

	loaded, ok, err := store.Session(account)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if !loaded.Key.Equal(second.Key) || loaded.Expiry != 2_000 || !loaded.Allows(ActionRepayLoan) {
		t.Fatalf("grant should replace prior record: %+v", loaded)
	}
}

func TestStoreGrantValidation(t *testing.T) {
	store := openTestStore(t)
	if err := store.Grant(nil); err == nil {
		t.Fatalf("nil record should be rejected")
	}
	if err := store.Grant(&Session{Key: makeAddress(0x02)}); err == nil {
		t.Fatalf("zero account should be rejected")
	}
	if err := store.Grant(&Session{Account: makeAddress(0x01)}); err == nil {
		t.Fatalf("zero key should be rejected")
	}
}

func TestStoreRevoke(t *testing.T) {
	store := openTestStore(t)
	account := makeAddress(0x01)

	if err := store.Revoke(account); err != nil {
		t.Fatalf("revoking an absent session should succeed: %v", err)
	}
	record := &Session{Account: account, Key: makeAddress(0x02), Expiry: 1_000, AllowedActions: []Action{ActionOpenLoan}}
	if err := store.Grant(record); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := store.Revoke(account); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok, err := store.Session(account); err != nil || ok {
		t.Fatalf("revoked session should be gone: ok=%v err=%v", ok, err)
	}
}
