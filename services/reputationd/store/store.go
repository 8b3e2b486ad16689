// Package store persists feedback in a bbolt database: one bucket holds the
// records, one indexes them by the rated agent, and a dedupe bucket enforces
// at most one rating per (task, rater, ratee, kind) tuple.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketFeedback = []byte("feedback")
	bucketByAgent  = []byte("by_agent")
	bucketDedupe   = []byte("dedupe")

	// ErrFeedbackExists reports a duplicate (task, rater, ratee, kind) tuple.
	ErrFeedbackExists = errors.New("feedback already recorded")
)

// Feedback is one recorded rating of an agent in the context of a task.
type Feedback struct {
	FeedbackID string    `json:"feedback_id"`
	TaskID     string    `json:"task_id"`
	RaterID    string    `json:"rater_id"`
	RateeID    string    `json:"ratee_id"`
	Kind       string    `json:"kind"`
	Rating     string    `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the bbolt-backed feedback log.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFeedback, bucketByAgent, bucketDedupe} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func dedupeKey(fb Feedback) []byte {
	return []byte(strings.Join([]string{fb.TaskID, fb.RaterID, fb.RateeID, fb.Kind}, "|"))
}

// Append records one feedback entry, minting the id and timestamp when the
// caller left them empty.
func (s *Store) Append(fb Feedback) (Feedback, error) {
	if fb.FeedbackID == "" {
		fb.FeedbackID = "fb-" + uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		dedupe := tx.Bucket(bucketDedupe)
		key := dedupeKey(fb)
		if dedupe.Get(key) != nil {
			return ErrFeedbackExists
		}
		encoded, err := json.Marshal(fb)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFeedback).Put([]byte(fb.FeedbackID), encoded); err != nil {
			return err
		}
		indexKey := []byte(fb.RateeID + "|" + fb.FeedbackID)
		if err := tx.Bucket(bucketByAgent).Put(indexKey, []byte(fb.FeedbackID)); err != nil {
			return err
		}
		return dedupe.Put(key, []byte(fb.FeedbackID))
	})
	if err != nil {
		return Feedback{}, err
	}
	return fb, nil
}

// ByAgent returns all feedback received by agentID, newest first.
func (s *Store) ByAgent(agentID string) ([]Feedback, error) {
	var entries []Feedback
	err := s.db.View(func(tx *bolt.Tx) error {
		feedback := tx.Bucket(bucketFeedback)
		cursor := tx.Bucket(bucketByAgent).Cursor()
		prefix := []byte(agentID + "|")
		for key, id := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, id = cursor.Next() {
			raw := feedback.Get(id)
			if raw == nil {
				continue
			}
			var fb Feedback
			if err := json.Unmarshal(raw, &fb); err != nil {
				return err
			}
			entries = append(entries, fb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	return entries, nil
}

// All returns every feedback entry, newest first.
func (s *Store) All() ([]Feedback, error) {
	var entries []Feedback
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFeedback).ForEach(func(_, raw []byte) error {
			var fb Feedback
			if err := json.Unmarshal(raw, &fb); err != nil {
				return err
			}
			entries = append(entries, fb)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	return entries, nil
}

// Count reports the number of recorded feedback entries.
func (s *Store) Count() (int64, error) {
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket(bucketFeedback).Stats().KeyN)
		return nil
	})
	return count, err
}

func sortNewestFirst(entries []Feedback) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].FeedbackID < entries[j].FeedbackID
	})
}
