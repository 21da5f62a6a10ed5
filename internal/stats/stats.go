// Package stats persists request counters in a bbolt database inside the
// data folder. Counters survive restarts and feed the admin statistics
// endpoint.
package stats

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketModels = []byte("model_usage")

// ModelStats are the persisted counters for one model.
type ModelStats struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Snapshot is a point-in-time view of every counter.
type Snapshot struct {
	TotalRequests int64                 `json:"total_requests"`
	Models        map[string]ModelStats `json:"models"`
}

// Store wraps the bbolt database. A nil-db store (NewDisabled) accepts all
// calls and records nothing, covering no-filesystem-mode.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the statistics database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open statistics database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(bucketModels)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize statistics database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewDisabled returns a store that drops every write.
func NewDisabled() *Store { return &Store{} }

// Close releases the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRequest bumps the counters for model.
func (s *Store) RecordRequest(model string, inputTokens, outputTokens int) error {
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketModels)

		var entry ModelStats
		if data := bucket.Get([]byte(model)); data != nil {
			if err := json.Unmarshal(data, &entry); err != nil {
				entry = ModelStats{}
			}
		}
		entry.Requests++
		entry.InputTokens += int64(inputTokens)
		entry.OutputTokens += int64(outputTokens)

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(model), data)
	})
}

// Load returns the current counters.
func (s *Store) Load() (*Snapshot, error) {
	snapshot := &Snapshot{Models: map[string]ModelStats{}}
	if s.db == nil {
		return snapshot, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketModels)
		return bucket.ForEach(func(k, v []byte) error {
			var entry ModelStats
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			snapshot.Models[string(k)] = entry
			snapshot.TotalRequests += entry.Requests
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}
