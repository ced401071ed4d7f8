// Package snapshot stores checkpoint blobs: one zstd-compressed file per
// tick plus a SQLite index. The SHA-256 of the uncompressed payload is
// recorded on create and verified on load, so a corrupted blob can never be
// restored silently.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"econsim.ai/internal/persistence/indexdb"
)

// Metadata describes how a snapshot came to exist.
type Metadata struct {
	Manual      bool
	Description string
	CreatedAt   time.Time
}

// Info is the index view of one stored snapshot.
type Info struct {
	Tick        uint64
	Size        int64
	Path        string
	Hash        string
	Manual      bool
	Description string
	CreatedAt   time.Time
}

// Stats summarizes storage use.
type Stats struct {
	TotalSnapshots int
	TotalSize      int64
}

// ErrNotFound is returned when no snapshot exists for the requested tick.
var ErrNotFound = errors.New("snapshot: not found")

// CorruptError reports a content-hash mismatch on load.
type CorruptError struct {
	Tick uint64
	Want string
	Got  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("snapshot: tick %d corrupt: hash %s, want %s", e.Tick, e.Got, e.Want)
}

// Store owns a snapshot directory. Stored blobs are immutable (append-only
// with explicit delete), so reads may proceed concurrently with the tick
// loop; the encoder/decoder are safe for the EncodeAll/DecodeAll usage.
type Store struct {
	dir string
	idx *indexdb.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (or creates) the store rooted at dir. The index lives in
// dir/index.db and survives process restart without replaying anything.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	idx, err := indexdb.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = idx.Close()
		return nil, err
	}
	return &Store{dir: dir, idx: idx, enc: enc, dec: dec}, nil
}

func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.idx.Close()
}

func (s *Store) blobPath(tick uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.snap.zst", tick))
}

// Create hashes the uncompressed payload, writes the compressed blob via a
// temp file with fsync and rename, and only then records the index row.
func (s *Store) Create(tick uint64, state []byte, meta Metadata) (Info, error) {
	sum := sha256.Sum256(state)
	hash := hex.EncodeToString(sum[:])
	blob := s.enc.EncodeAll(state, nil)

	path := s.blobPath(tick)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Info{}, err
	}
	if _, err := f.Write(blob); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Info{}, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Info{}, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return Info{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Info{}, err
	}

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	row := indexdb.Row{
		Tick:        tick,
		Path:        path,
		Size:        int64(len(blob)),
		Hash:        hash,
		Manual:      meta.Manual,
		Description: meta.Description,
		CreatedAt:   meta.CreatedAt,
	}
	if err := s.idx.Put(row); err != nil {
		return Info{}, err
	}
	return infoFromRow(row), nil
}

// Load reads and decompresses the payload for tick, verifying its content
// hash. A mismatch is a *CorruptError, never a silent pass-through.
func (s *Store) Load(tick uint64) ([]byte, Info, error) {
	row, err := s.idx.Get(tick)
	if errors.Is(err, indexdb.ErrNotFound) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, err
	}
	blob, err := os.ReadFile(row.Path)
	if err != nil {
		return nil, Info{}, err
	}
	state, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, Info{}, &CorruptError{Tick: tick, Want: row.Hash, Got: "undecodable"}
	}
	sum := sha256.Sum256(state)
	if got := hex.EncodeToString(sum[:]); got != row.Hash {
		return nil, Info{}, &CorruptError{Tick: tick, Want: row.Hash, Got: got}
	}
	return state, infoFromRow(row), nil
}

// ReadBlob returns the raw compressed blob, for download endpoints.
func (s *Store) ReadBlob(tick uint64) ([]byte, Info, error) {
	row, err := s.idx.Get(tick)
	if errors.Is(err, indexdb.ErrNotFound) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, err
	}
	blob, err := os.ReadFile(row.Path)
	if err != nil {
		return nil, Info{}, err
	}
	return blob, infoFromRow(row), nil
}

// List returns all snapshots ordered by tick.
func (s *Store) List() ([]Info, error) {
	rows, err := s.idx.All()
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(rows))
	for i, r := range rows {
		out[i] = infoFromRow(r)
	}
	return out, nil
}

// NearestAtOrBefore returns the newest snapshot with tick <= the argument,
// or ok=false if none exists. This is the rewind primitive.
func (s *Store) NearestAtOrBefore(tick uint64) (Info, bool, error) {
	row, err := s.idx.NearestAtOrBefore(tick)
	if errors.Is(err, indexdb.ErrNotFound) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, err
	}
	return infoFromRow(row), true, nil
}

// Delete removes one snapshot, index row first so a crash leaves at worst
// an orphan blob, never a dangling index entry.
func (s *Store) Delete(tick uint64) error {
	row, err := s.idx.Get(tick)
	if errors.Is(err, indexdb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := s.idx.Delete(tick); err != nil && !errors.Is(err, indexdb.ErrNotFound) {
		return err
	}
	if err := os.Remove(row.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Cleanup removes the oldest snapshots beyond keep, preserving the most
// recent keep regardless of manual or automatic origin.
func (s *Store) Cleanup(keep int) (int, error) {
	victims, err := s.idx.OldestBeyond(keep)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range victims {
		if err := s.Delete(r.Tick); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) Stats() (Stats, error) {
	st, err := s.idx.Stats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalSnapshots: st.TotalSnapshots, TotalSize: st.TotalSize}, nil
}

func infoFromRow(r indexdb.Row) Info {
	return Info{
		Tick:        r.Tick,
		Size:        r.Size,
		Path:        r.Path,
		Hash:        r.Hash,
		Manual:      r.Manual,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
	}
}
