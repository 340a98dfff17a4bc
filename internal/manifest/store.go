package manifest

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("manifest: entry not found")

var bucketName = []byte("entries")

// Entry records one materialized file. Secret values are never stored here,
// only provenance: which vault entry produced the file and a checksum of
// what was written.
type Entry struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // secret, cert, or key
	SourceKey string    `json:"source_key"`
	Version   string    `json:"version"`
	SHA256    string    `json:"sha256"`
	WrittenAt time.Time `json:"written_at"`
}

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Put(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(e.Name), data)
	})
}

func (s *Store) Get(name string) (*Entry, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		raw = make([]byte, len(v))
		copy(raw, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns every recorded entry in key order.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue // skip unparseable entries rather than fail the scan
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
}
