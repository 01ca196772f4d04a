// Package runstore keeps reports of workload runs in a bbolt database.
package runstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var reportsBucket = []byte("reports")

// ErrNotFound is returned by Get for an unknown report id.
var ErrNotFound = errors.New("report not found")

// A Report summarizes one run of a workload against a manager.
type Report struct {
	ID       uint64        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Strategy string `json:"strategy"`
	Workers  int    `json:"workers"`
	Tasks    int    `json:"tasks"`
	Scenario string `json:"scenario,omitempty"`

	Launched   uint64 `json:"launched"`
	Terminated uint64 `json:"terminated"`
	Err        string `json:"err,omitempty"`
	LogFile    string `json:"log_file,omitempty"`

	PerWorker []WorkerReport `json:"per_worker,omitempty"`
}

type WorkerReport struct {
	Name      string `json:"name"`
	Completed uint64 `json:"completed"`
	Switches  uint64 `json:"switches"`
}

// Store is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening run store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reportsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// Put stores r under a fresh id, which it also writes into r.
func (s *Store) Put(r *Report) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(reportsBucket)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		r.ID = id
		value, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return bucket.Put(key(id), value)
	})
}

func (s *Store) Get(id uint64) (Report, error) {
	var r Report
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(reportsBucket).Get(key(id))
		if value == nil {
			return fmt.Errorf("report %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(value, &r)
	})
	return r, err
}

// List returns up to limit reports, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]Report, error) {
	var reports []Report
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(reportsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(reports) == limit {
				break
			}
			var r Report
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("report %d: %w", binary.BigEndian.Uint64(k), err)
			}
			reports = append(reports, r)
		}
		return nil
	})
	return reports, err
}

// Prune deletes all but the newest keep reports and returns how many it
// deleted.
func (s *Store) Prune(keep int) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(reportsBucket)
		var stale [][]byte
		c := bucket.Cursor()
		seen := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}
