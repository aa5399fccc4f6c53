package exportpipeline

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Entry layout: saved-at unix nanos (8) | xxhash64 of payload (8) | payload.
const spoolHeaderSize = 16

var spoolBucket = []byte("spans")

// BoltSpool keeps undelivered spans in a bolt database between restarts.
type BoltSpool struct {
	db     *bolt.DB
	codec  *Codec
	now    func() time.Time
	logger *zap.Logger
}

var _ Spool = (*BoltSpool)(nil)

// NewBoltSpool opens or creates the spool database at path.
func NewBoltSpool(path string, logger *zap.Logger) (*BoltSpool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spoolBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spool bucket: %w", err)
	}

	// the spool never leaves the process, so resource and scope are irrelevant
	codec, err := NewCodec(EncodingProto, nil, "", "")
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltSpool{
		db:     db,
		codec:  codec,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Save implements Spool
func (s *BoltSpool) Save(records []SpanRecord) error {
	if len(records) == 0 {
		return nil
	}

	payload, err := s.codec.Marshal(Batch{Records: records})
	if err != nil {
		return err
	}

	value := make([]byte, spoolHeaderSize+len(payload))
	binary.BigEndian.PutUint64(value[0:8], uint64(s.now().UnixNano()))
	binary.BigEndian.PutUint64(value[8:16], xxhash.Sum64(payload))
	copy(value[spoolHeaderSize:], payload)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spoolBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate spool key: %w", err)
		}
		if err := b.Put(spoolKey(seq), value); err != nil {
			return fmt.Errorf("failed to write spool entry: %w", err)
		}
		return nil
	})
}

// Take implements Spool
func (s *BoltSpool) Take() ([]SpanRecord, error) {
	var records []SpanRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spoolBucket)
		c := b.Cursor()

		// keys are big-endian sequences, so cursor order is save order
		for k, v := c.First(); k != nil; k, v = c.Next() {
			batch, err := s.decode(v)
			if err != nil {
				s.logger.Warn("Discarding corrupt spool entry",
					zap.Binary("key", k),
					zap.Error(err))
			} else {
				records = append(records, batch.Records...)
			}
			if err := c.Delete(); err != nil {
				return fmt.Errorf("failed to delete spool entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Prune implements Spool
func (s *BoltSpool) Prune(cutoff time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(spoolBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) >= spoolHeaderSize {
				savedAt := time.Unix(0, int64(binary.BigEndian.Uint64(v[0:8])))
				if !savedAt.Before(cutoff) {
					continue
				}
				if batch, err := s.decode(v); err == nil {
					removed += batch.Len()
				}
			}
			if err := c.Delete(); err != nil {
				return fmt.Errorf("failed to delete spool entry: %w", err)
			}
		}
		return nil
	})
	return removed, err
}

// Close implements Spool
func (s *BoltSpool) Close() error {
	return s.db.Close()
}

func (s *BoltSpool) decode(v []byte) (Batch, error) {
	if len(v) < spoolHeaderSize {
		return Batch{}, fmt.Errorf("entry too short: %d bytes", len(v))
	}
	payload := v[spoolHeaderSize:]
	if sum := binary.BigEndian.Uint64(v[8:16]); sum != xxhash.Sum64(payload) {
		return Batch{}, fmt.Errorf("checksum mismatch")
	}
	return s.codec.Unmarshal(payload)
}

func spoolKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
