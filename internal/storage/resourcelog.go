package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

var resourcesBucket = []byte("resources")

// ResourceLog records every resource that has been downloaded to
// completion, keyed by release title. The feed watcher consults it to
// skip releases it has already fetched.
type ResourceLog struct {
	db *bolt.DB
}

type resourceRecord struct {
	Resource   core.Resource `json:"resource"`
	FinalPath  string        `json:"final_path,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

func OpenResourceLog(path string) (*ResourceLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create resource log dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open resource log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resourcesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init resource log: %w", err)
	}
	return &ResourceLog{db: db}, nil
}

// Add records a completed resource. Re-adding the same title overwrites
// the previous record.
func (l *ResourceLog) Add(res core.Resource, finalPath string, finishedAt time.Time) error {
	raw, err := json.Marshal(resourceRecord{
		Resource:   res,
		FinalPath:  finalPath,
		FinishedAt: finishedAt,
	})
	if err != nil {
		return fmt.Errorf("storage: encode resource record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resourcesBucket).Put([]byte(res.Title), raw)
	})
}

// IsDownloaded reports whether a release title has been fetched before.
func (l *ResourceLog) IsDownloaded(title string) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(resourcesBucket).Get([]byte(title)) != nil
		return nil
	})
	return found, err
}

// Count returns the number of recorded resources.
func (l *ResourceLog) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(resourcesBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (l *ResourceLog) Close() error {
	return l.db.Close()
}
