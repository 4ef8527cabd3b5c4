package session

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"lendchain/crypto"
)

var bucketSessions = []byte("sessions")

// ErrClosed is returned when the store is used after Close.
var ErrClosed = errors.New("session: store closed")

// Store persists session grants in a BoltDB file keyed by delegator account.
// It implements the Lookup interface consumed by the lending engine.
type Store struct {
	db *bolt.DB
}

// storedSession mirrors the bucket payload. Addresses round-trip through
// their bech32 text form.
type storedSession struct {
	Account        crypto.Address `json:"account"`
	Key            crypto.Address `json:"key"`
	Expiry         uint64         `json:"expiry"`
	AllowedActions []string       `json:"allowedActions"`
}

// NewStore initialises the BoltDB-backed session store.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Grant stores (or replaces) a session record for its delegator account.
func (s *Store) Grant(record *Session) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if record == nil {
		return errors.New("session: nil session record")
	}
	if record.Account.IsZero() || record.Key.IsZero() {
		return errors.New("session: account and key required")
	}
	payload := storedSession{
		Account: record.Account,
		Key:     record.Key,
		Expiry:  record.Expiry,
	}
	for _, action := range record.AllowedActions {
		payload.AllowedActions = append(payload.AllowedActions, action.String())
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put(record.Account.Bytes(), encoded)
	})
}

// Revoke removes the session for a delegator account. Revoking an absent
// session is not an error.
func (s *Store) Revoke(account crypto.Address) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete(account.Bytes())
	})
}

// Session implements the Lookup interface.
func (s *Store) Session(account crypto.Address) (*Session, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var encoded []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketSessions).Get(account.Bytes()); raw != nil {
			encoded = append([]byte(nil), raw...)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	if encoded == nil {
		return nil, false, nil
	}
	var payload storedSession
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, false, err
	}
	record := &Session{
		Account: payload.Account,
		Key:     payload.Key,
		Expiry:  payload.Expiry,
	}
	for _, name := range payload.AllowedActions {
		action, err := ParseAction(name)
		if err != nil {
			return nil, false, err
		}
		record.AllowedActions = append(record.AllowedActions, action)
	}
	return record, true, nil
}
