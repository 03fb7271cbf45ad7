package recovery

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bucket names in BoltDB.
var (
	bucketSystem      = []byte("system")
	bucketCheckpoints = []byte("checkpoints")
	keySchemaVersion  = []byte("schema_version")
)

const currentSchemaVersion = 1

// IndexEntry is the durable index record for one persisted checkpoint.
// The checkpoint document itself lives in a JSON file at Path.
type IndexEntry struct {
	ID        string
	Timestamp time.Time
	Path      string
	Processed int64
	Total     int64
	Phase     string
}

// BoltIndex tracks retained checkpoints across restarts.
type BoltIndex struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenIndex opens or creates the checkpoint index database.
func OpenIndex(path string, noSync bool, logger *zap.Logger) (*BoltIndex, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint index: %w", err)
	}

	idx := &BoltIndex{db: db, logger: logger}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *BoltIndex) initSchema() error {
	return x.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCheckpoints); err != nil {
			return err
		}
		if v := sys.Get(keySchemaVersion); v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	})
}

// Record stores or replaces an index entry.
func (x *BoltIndex) Record(entry IndexEntry) error {
	return x.db.Update(func(tx *bbolt.Tx) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
			return fmt.Errorf("encoding index entry: %w", err)
		}
		return tx.Bucket(bucketCheckpoints).Put([]byte(entry.ID), buf.Bytes())
	})
}

// List returns every retained index entry, in unspecified order.
func (x *BoltIndex) List() ([]IndexEntry, error) {
	var entries []IndexEntry
	err := x.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, v []byte) error {
			var e IndexEntry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				x.logger.Warn("skipping undecodable index entry", zap.ByteString("key", k), zap.Error(err))
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes an index entry. Missing ids are a no-op.
func (x *BoltIndex) Delete(id string) error {
	return x.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete([]byte(id))
	})
}

// Ping verifies the database handle.
func (x *BoltIndex) Ping() error {
	return x.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

// Close closes the database.
func (x *BoltIndex) Close() error {
	return x.db.Close()
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
