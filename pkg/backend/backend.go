// Package backend defines the storage capability every other component
// of the session store is built on, plus two concrete implementations:
// Local (a single bbolt database file) and GRPC (a thin client/server pair for a
// remote Backend).
package backend

import (
	"context"
	"time"
)

// Lease is the token returned by AcquireLock, required to release it.
type Lease struct {
	Key     string
	OwnerID string
	Expires time.Time
}

// HealthStatus is the result of a Backend health check.
type HealthStatus struct {
	Healthy     bool
	BackendName string
	Version     string
}

// Backend abstracts over local filesystem, remote gRPC service, or cloud
// object storage. Every method may suspend on network or disk I/O;
// callers must not hold an Index lock across a large blob round-trip,
// only across the final atomic index write (spec.md §5).
type Backend interface {
	// Read returns the full bytes stored at key, or a NotFound
	// *types.StoreError if key has never been written or was deleted.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write atomically replaces the full contents at key. A size-0
	// write is legal and distinguishable from NotFound.
	Write(ctx context.Context, key string, data []byte) error

	// AppendStream writes data at key in fixed-size chunks, suitable
	// for large checkpoints/snapshots. The write is atomic: a reader
	// never observes a torn write, only the prior complete value or
	// the new one.
	AppendStream(ctx context.Context, key string, chunks <-chan []byte) error

	// ReadBlob reassembles a value written by AppendStream. Most callers
	// of small, atomically-replaced values use Read; walstore and
	// checkpointstore use ReadBlob for the chunked payloads they own.
	ReadBlob(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Idempotent: deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key has a value.
	Exists(ctx context.Context, key string) (bool, error)

	// AcquireLock blocks (with backoff) until it holds the distributed
	// mutex named key for ttl, or until ctx is done or the
	// implementation's acquisition deadline passes (30 seconds for
	// Local, independent of ttl), in which case it returns a
	// Contention *types.StoreError.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error)

	// ReleaseLock releases lease. Idempotent; safe to call after the
	// lease's TTL has already expired.
	ReleaseLock(ctx context.Context, lease *Lease) error

	// Health reports whether the backend is reachable and usable.
	Health(ctx context.Context) (HealthStatus, error)
}

// ChunkSize is the default streaming chunk boundary for AppendStream,
// matching spec.md §4.1's 256 KiB default. backend.Local stores
// streamed blobs in pieces of the chunk size it was constructed with
// (config.Config.CheckpointChunkSize), falling back to this constant;
// backend.GRPC relays the caller's chunks unchanged to the Backend its
// Server wraps. walstore and checkpointstore split payloads with this
// constant.
const ChunkSize = 256 * 1024

// Chunks splits data into chunkSize pieces (ChunkSize when chunkSize is
// not positive) and sends them on a channel for use with AppendStream. The returned channel is closed once all
// chunks have been sent.
func Chunks(data []byte, chunkSize int) <-chan []byte {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for offset := 0; offset < len(data); offset += chunkSize {
			end := offset + chunkSize
			if end > len(data) {
				end = len(data)
			}
			ch <- data[offset:end]
		}
		if len(data) == 0 {
			ch <- []byte{}
		}
	}()
	return ch
}
