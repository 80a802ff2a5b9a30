package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketAuth = []byte("auth")
	keyToken   = []byte("token")
)

// BoltStore implements Store using a bbolt database file, so the token
// survives process restarts.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// BoltStoreOption configures a BoltStore.
type BoltStoreOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltStoreOption {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// OpenBoltStore opens (creating if needed) the token database at path.
func OpenBoltStore(path string, opts ...BoltStoreOption) (*BoltStore, error) {
	s := &BoltStore{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening token database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAuth)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating auth bucket: %w", err)
	}

	s.db = db
	s.logger.Debug("opened token store", "path", path)
	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Token implements Store.
func (s *BoltStore) Token(_ context.Context) (string, error) {
	var token string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAuth)
		if bucket == nil {
			return ErrNoToken
		}
		val := bucket.Get(keyToken)
		if val == nil {
			return ErrNoToken
		}
		token = string(val)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Save implements Store.
func (s *BoltStore) Save(_ context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAuth)
		if bucket == nil {
			return fmt.Errorf("auth bucket not found")
		}
		if err := bucket.Put(keyToken, []byte(token)); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		return nil
	})
}

// Clear implements Store.
func (s *BoltStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAuth)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(keyToken)
	})
}
