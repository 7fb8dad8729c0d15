package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens or creates the registry database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// Put stores or replaces a record.
func (s *BoltStore) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put(pidKey(rec.PID), data)
	})
}

// Delete removes a record. Deleting an unknown pid is not an error.
func (s *BoltStore) Delete(pid int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete(pidKey(pid))
	})
}

// List returns every record ordered by pid.
func (s *BoltStore) List() ([]Record, error) {
	var out []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortRecords(out)
	return out, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func pidKey(pid int) []byte {
	return []byte(strconv.Itoa(pid))
}
