package recovery

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPending = []byte("pending")
	bucketMeta    = []byte("meta")

	keyCounter = []byte("counter")
)

// boltIndex sits beside the normative append-only text log. WriteEntry
// takes the next payload sequence number from it and marks each payload
// whose CSV line was written as pending; IsKnownPayload answers from that
// pending set. Recover does not read the index, and nothing removes a
// pending mark once set. The CSV file plus payload directory remain the
// source of truth for what Recover replays.
type boltIndex struct {
	db *bolt.DB
}

type pendingRecord struct {
	Queue       string `json:"queue"`
	Reason      string `json:"reason"`
	Unix        int64  `json:"unix"`
	Kind        string `json:"kind"`
	Resubmitted bool   `json:"resubmitted"`
}

func openBoltIndex(dataDir string) (*boltIndex, error) {
	path := filepath.Join(dataDir, "recovery-index.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("recovery: open index db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPending); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recovery: init index buckets: %w", err)
	}
	return &boltIndex{db: db}, nil
}

func (b *boltIndex) Close() error { return b.db.Close() }

func (b *boltIndex) nextSeq() (uint64, error) {
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		cur := meta.Get(keyCounter)
		if cur != nil {
			seq = btoi(cur)
		}
		seq++
		return meta.Put(keyCounter, itob(seq))
	})
	return seq, err
}

func (b *boltIndex) markPending(payloadFile string, rec pendingRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put([]byte(payloadFile), data)
	})
}

func (b *boltIndex) markResubmitted(payloadFile string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(payloadFile))
	})
}

func (b *boltIndex) hasPending(payloadFile string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketPending).Get([]byte(payloadFile)) != nil
		return nil
	})
	return found, err
}

func (b *boltIndex) pendingCount() (int, error) {
	count := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func btoi(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
