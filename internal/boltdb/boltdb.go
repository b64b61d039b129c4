// Package boltdb provides the bbolt-backed DownloadLedger: a durable record
// of which work ids have completed their discrete downloads.
package boltdb

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

var Buckets = struct {
	Metadata  []byte
	Downloads []byte
}{
	Metadata:  []byte("__metadata__"),
	Downloads: []byte("downloads"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

type downloadEntry struct {
	ID          string    `json:"id"`
	CompletedAt time.Time `json:"completed_at"`
}

type Ledger struct {
	db *bbolt.DB
}

func Open(path string) (_ *Ledger, err error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		// Ensure buckets exist
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Downloads); err != nil {
			return err
		}

		// Stamp the schema version for future migrations
		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) HasID(_ context.Context, id string) (found bool, err error) {
	err = l.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(Buckets.Downloads).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// UpdateID records a completed download; writing the same id twice is harmless.
func (l *Ledger) UpdateID(_ context.Context, id string) error {
	data, err := json.Marshal(downloadEntry{ID: id, CompletedAt: time.Now()})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Downloads).Put([]byte(id), data)
	})
}

func (l *Ledger) DeleteID(_ context.Context, id string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Downloads).Delete([]byte(id))
	})
}

// ListIDs returns all recorded ids, for restart-time reconciliation sweeps.
func (l *Ledger) ListIDs(_ context.Context) (ids []string, err error) {
	err = l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Downloads).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
