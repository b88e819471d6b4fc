package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// BlobStore is a per-group, content-addressed blob store. Oversized
// event fields are spilled here (spec.md I7) and referenced from the
// ledger row as "blob:<relative/path> sha256:<hex> bytes:<n>".
// Content is stored zstd-compressed on disk; the sha256/bytes recorded
// in the reference are of the *uncompressed* payload, matching what a
// reader reconstructs.
type BlobStore struct {
	dir string

	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBlobStore opens (creating if absent) the blob directory for a group.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &BlobStore{dir: dir, encoder: enc, decoder: dec}, nil
}

// Put compresses and stores data, returning its content path
// (relative to the blob directory), sha256 hex digest, and
// uncompressed byte length. Writing the same content twice is a no-op
// past the first write (content-addressed idempotence).
func (b *BlobStore) Put(data []byte) (relPath, sha256Hex string, size int64, err error) {
	sum := sha256.Sum256(data)
	sha256Hex = hex.EncodeToString(sum[:])
	relPath = filepath.Join(sha256Hex[:2], sha256Hex[2:]+".zst")

	full := filepath.Join(b.dir, relPath)
	if _, statErr := os.Stat(full); statErr == nil {
		return relPath, sha256Hex, int64(len(data)), nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", "", 0, fmt.Errorf("create blob shard dir: %w", err)
	}

	b.mu.Lock()
	compressed := b.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	b.mu.Unlock()

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o640); err != nil {
		return "", "", 0, fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", "", 0, fmt.Errorf("rename blob: %w", err)
	}

	return relPath, sha256Hex, int64(len(data)), nil
}

// Get reads and decompresses the blob at relPath.
func (b *BlobStore) Get(relPath string) ([]byte, error) {
	compressed, err := os.ReadFile(filepath.Join(b.dir, relPath))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decoder.DecodeAll(compressed, nil)
}

// BlobRef formats the canonical in-line reference string stored in an
// event's data.text when a field is spilled.
func BlobRef(relPath, sha256Hex string, size int64) string {
	return fmt.Sprintf("blob:%s sha256:%s bytes:%d", relPath, sha256Hex, size)
}
