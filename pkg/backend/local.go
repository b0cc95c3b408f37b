package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/quillhq/sessionstore/pkg/types"
)

var (
	bucketKV     = []byte("kv")
	bucketLocks  = []byte("locks")
	bucketBlobs  = []byte("blobs")
	bucketChunks = []byte("chunks")
)

// lockRecord is the bbolt-serialized form of a held lock.
type lockRecord struct {
	OwnerID string    `json:"owner_id"`
	Expires time.Time `json:"expires"`
}

// Local implements Backend over a single bbolt.DB: a kv bucket for the
// atomic key/value contract, a locks bucket for the distributed-lock
// ledger (CAS'd inside a bbolt transaction, the way
// ConcurrentBoltStore.CompareAndSwap does in the pack), and blobs/chunks
// buckets for streamed payloads. The manifest record in blobs is written
// after all chunks, in the same bbolt transaction, so a reader never
// observes a torn write.
type Local struct {
	db        *bolt.DB
	chunkSize int
	mu        sync.Mutex // unused; lock CAS is serialized by bbolt Update transactions
}

// NewLocal opens (creating if needed) a bbolt database under dataDir.
func NewLocal(dataDir string, chunkSize int) (*Local, error) {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	dbPath := filepath.Join(dataDir, "sessionstore.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open backend database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketLocks, bucketBlobs, bucketChunks} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Local{db: db, chunkSize: chunkSize}, nil
}

// Close closes the underlying database.
func (l *Local) Close() error {
	return l.db.Close()
}

func (l *Local) Read(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return types.NewError(types.KindNotFound, "", "", "key "+key+" not found", nil)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (l *Local) Write(_ context.Context, key string, data []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

func (l *Local) Delete(_ context.Context, key string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketKV).Delete([]byte(key)); err != nil {
			return err
		}
		return l.deleteBlobChunks(tx, key)
	})
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		c = tx.Bucket(bucketBlobs).Cursor()
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketKV).Get([]byte(key)) != nil {
			found = true
			return nil
		}
		found = tx.Bucket(bucketBlobs).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// blobManifest records how many chunks a streamed blob was split into
// and its total size, so reads can reassemble it and list() can report
// size without touching the chunk bucket.
type blobManifest struct {
	NumChunks int   `json:"num_chunks"`
	Size      int64 `json:"size"`
}

func (l *Local) AppendStream(_ context.Context, key string, chunks <-chan []byte) error {
	// Reassemble the caller's chunks and store them in pieces of the
	// chunk size this Local was constructed with.
	var data []byte
	for chunk := range chunks {
		data = append(data, chunk...)
	}
	total := int64(len(data))
	var buf [][]byte
	for offset := 0; offset < len(data); offset += l.chunkSize {
		end := offset + l.chunkSize
		if end > len(data) {
			end = len(data)
		}
		buf = append(buf, data[offset:end])
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		chunkBucket, err := tx.Bucket(bucketChunks).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		// Clear any previous chunk set for this key before writing the
		// new one, so a shrinking overwrite doesn't leave stale tail
		// chunks behind.
		c := chunkBucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := chunkBucket.Delete(k); err != nil {
				return err
			}
		}
		for i, chunk := range buf {
			if err := chunkBucket.Put(chunkKey(i), chunk); err != nil {
				return err
			}
		}
		manifest, err := marshalManifest(blobManifest{NumChunks: len(buf), Size: total})
		if err != nil {
			return err
		}
		// Manifest written last, after every chunk has committed in
		// this same transaction, so a reader never sees a partial set.
		return tx.Bucket(bucketBlobs).Put([]byte(key), manifest)
	})
}

func chunkKey(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func (l *Local) deleteBlobChunks(tx *bolt.Tx, key string) error {
	if err := tx.Bucket(bucketBlobs).Delete([]byte(key)); err != nil {
		return err
	}
	if tx.Bucket(bucketChunks).Bucket([]byte(key)) == nil {
		return nil
	}
	return tx.Bucket(bucketChunks).DeleteBucket([]byte(key))
}

// ReadBlob reassembles a streamed blob written via AppendStream. Most
// callers go through Read for small values; checkpointstore and
// walstore use ReadBlob for the chunked payloads they own.
func (l *Local) ReadBlob(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(key))
		if raw == nil {
			return types.NewError(types.KindNotFound, "", "", "blob "+key+" not found", nil)
		}
		manifest, err := unmarshalManifest(raw)
		if err != nil {
			return types.NewError(types.KindCorruption, "", "", "blob manifest for "+key, err)
		}
		chunkBucket := tx.Bucket(bucketChunks).Bucket([]byte(key))
		if chunkBucket == nil {
			return types.NewError(types.KindCorruption, "", "", "missing chunk bucket for "+key, nil)
		}
		out = make([]byte, 0, manifest.Size)
		for i := 0; i < manifest.NumChunks; i++ {
			chunk := chunkBucket.Get(chunkKey(i))
			if chunk == nil {
				return types.NewError(types.KindCorruption, "", "", fmt.Sprintf("missing chunk %d for %s", i, key), nil)
			}
			out = append(out, chunk...)
		}
		return nil
	})
	return out, err
}

func (l *Local) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(30 * time.Second)
	backoff := 10 * time.Millisecond

	for {
		lease, err := l.tryAcquire(key, owner, ttl)
		if err == nil {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, types.NewError(types.KindContention, "", "", "acquire lock "+key, err)
		}
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.KindContention, "", "", "acquire lock "+key+" canceled", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *Local) tryAcquire(key, owner string, ttl time.Duration) (*Lease, error) {
	var lease *Lease
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := time.Now()
		existing := b.Get([]byte(key))
		if existing != nil {
			rec, err := unmarshalLock(existing)
			if err != nil {
				return err
			}
			if rec.Expires.After(now) {
				return fmt.Errorf("lock %s held by %s until %s", key, rec.OwnerID, rec.Expires)
			}
		}
		expires := now.Add(ttl)
		data, err := marshalLock(lockRecord{OwnerID: owner, Expires: expires})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		lease = &Lease{Key: key, OwnerID: owner, Expires: expires}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (l *Local) ReleaseLock(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		existing := b.Get([]byte(lease.Key))
		if existing == nil {
			return nil
		}
		rec, err := unmarshalLock(existing)
		if err != nil {
			return nil
		}
		if rec.OwnerID != lease.OwnerID {
			// Lease expired and was reacquired by someone else;
			// releasing is still safe/idempotent, just a no-op.
			return nil
		}
		return b.Delete([]byte(lease.Key))
	})
}

func (l *Local) Health(_ context.Context) (HealthStatus, error) {
	return HealthStatus{Healthy: true, BackendName: "local", Version: "1"}, nil
}
