// Package idempotency keeps the first response produced for an Idempotency-Key so that
// retried POSTs (refunds, purchases, registrations) replay it instead of running again.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "responses"

// ErrNotFound is returned when no response is stored for a key.
var ErrNotFound = errors.New("idempotency record not found")

// Record is a stored HTTP response.
type Record struct {
	Key        string              `json:"key"`
	StatusCode int                 `json:"status_code"`
	Header     map[string][]string `json:"header,omitempty"`
	Body       []byte              `json:"body"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Store is a BoltDB-backed record store.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
}

// New opens (or creates) the database at path. Records older than ttl are treated as
// absent; ttl <= 0 keeps records forever.
func New(path string, ttl time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening idempotency db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored record for key, or ErrNotFound.
func (s *Store) Get(key string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if s.expired(rec) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Save stores rec unless a live record already exists for its key.
// Returns the record that is stored after the call and whether this call wrote it.
func (s *Store) Save(rec Record) (*Record, bool, error) {
	var result Record
	written := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if existing := b.Get([]byte(rec.Key)); existing != nil {
			if err := json.Unmarshal(existing, &result); err != nil {
				return err
			}
			if !s.expired(result) {
				return nil
			}
		}

		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		result = rec
		written = true
		return b.Put([]byte(rec.Key), data)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, written, nil
}

func (s *Store) expired(rec Record) bool {
	return s.ttl > 0 && time.Since(rec.CreatedAt) > s.ttl
}
