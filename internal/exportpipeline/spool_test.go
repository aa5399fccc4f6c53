package exportpipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSpool(t *testing.T) (*BoltSpool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "spool.db")
	s, err := NewBoltSpool(path, zap.NewNop())
	require.NoError(t, err)
	return s, path
}

func TestBoltSpoolSaveTake(t *testing.T) {
	s, _ := newTestSpool(t)
	defer s.Close()

	require.NoError(t, s.Save([]SpanRecord{generateRecord(0), generateRecord(1)}))
	require.NoError(t, s.Save([]SpanRecord{generateRecord(2)}))
	require.NoError(t, s.Save(nil), "saving nothing is a no-op")

	records, err := s.Take()
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, generateRecord(i).Name, rec.Name, "entries come back in save order")
		assert.Equal(t, generateRecord(i).TraceID, rec.TraceID)
	}

	records, err = s.Take()
	require.NoError(t, err)
	assert.Empty(t, records, "take removes what it returns")
}

func TestBoltSpoolSurvivesReopen(t *testing.T) {
	s, path := newTestSpool(t)
	require.NoError(t, s.Save([]SpanRecord{generateRecord(5)}))
	require.NoError(t, s.Close())

	reopened, err := NewBoltSpool(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.Take()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "span-5", records[0].Name)
}

func TestBoltSpoolDiscardsCorruptEntries(t *testing.T) {
	s, _ := newTestSpool(t)
	defer s.Close()

	require.NoError(t, s.Save([]SpanRecord{generateRecord(0)}))
	require.NoError(t, s.Save([]SpanRecord{generateRecord(1)}))

	// flip a payload byte of the first entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spoolBucket)
		k, v := b.Cursor().First()
		corrupt := append([]byte(nil), v...)
		corrupt[len(corrupt)-1] ^= 0xff
		return b.Put(k, corrupt)
	})
	require.NoError(t, err)

	records, err := s.Take()
	require.NoError(t, err)
	require.Len(t, records, 1, "the corrupt entry is dropped")
	assert.Equal(t, "span-1", records[0].Name)
}

func TestBoltSpoolPrune(t *testing.T) {
	s, _ := newTestSpool(t)
	defer s.Close()

	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now.Add(-2 * time.Hour) }
	require.NoError(t, s.Save([]SpanRecord{generateRecord(0), generateRecord(1)}))

	s.now = func() time.Time { return now }
	require.NoError(t, s.Save([]SpanRecord{generateRecord(2)}))

	removed, err := s.Prune(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	records, err := s.Take()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "span-2", records[0].Name)
}
