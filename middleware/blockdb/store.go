// Package blockdb persists the block chain: append-only segment files
// addressed through a bbolt index, plus an atomically updated tip pointer.
package blockdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/riddlenet/riddle/consensus/chain"
	"github.com/riddlenet/riddle/crypto"
)

const MaxSegmentSize = 1 << 30

var (
	bucketHashes  = []byte("hashes")
	bucketHeights = []byte("heights")
	bucketMeta    = []byte("meta")

	keyTip     = []byte("tip")
	keyHeight  = []byte("height")
	keySegment = []byte("segment")
	keyEnd     = []byte("end")
)

var (
	ErrNotFound  = errors.New("block is not in the store")
	ErrCorrupted = errors.New("block store is corrupted")
)

type record struct {
	segment uint32
	offset  uint64
	size    uint32
}

func (r record) encode() []byte {
	bytes := make([]byte, 16)
	binary.LittleEndian.PutUint32(bytes[0:], r.segment)
	binary.LittleEndian.PutUint64(bytes[4:], r.offset)
	binary.LittleEndian.PutUint32(bytes[12:], r.size)
	return bytes
}

func decodeRecord(data []byte) (record, bool) {
	if len(data) != 16 {
		return record{}, false
	}
	return record{
		segment: binary.LittleEndian.Uint32(data[0:]),
		offset:  binary.LittleEndian.Uint64(data[4:]),
		size:    binary.LittleEndian.Uint32(data[12:]),
	}, true
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

// Store is the single-writer persistent chain. Append is atomic: the block
// bytes are written and synced to the current segment first, the index and
// tip move in one bbolt transaction after. A crash between the two leaves a
// dangling segment tail that Open truncates away.
type Store struct {
	mu      sync.Mutex
	folder  string
	db      *bolt.DB
	segment *os.File
	current uint32
	end     uint64

	hasTip    bool
	tip       crypto.Hash
	tipHeight uint64

	readers map[uint32]*os.File
}

func segmentPath(folder string, n uint32) string {
	return filepath.Join(folder, fmt.Sprintf("blocks-%d.seg", n))
}

func Open(folder string, wipe bool) (*Store, error) {
	if wipe {
		if err := os.RemoveAll(folder); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(folder, "index.db"), 0600, nil)
	if err != nil {
		return nil, err
	}
	store := &Store{
		folder:  folder,
		db:      db,
		readers: make(map[uint32]*os.File),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHashes, bucketHeights, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if tip := meta.Get(keyTip); tip != nil {
			store.hasTip = true
			store.tip = crypto.BytesToHash(tip)
			store.tipHeight = binary.LittleEndian.Uint64(meta.Get(keyHeight))
			store.current = binary.LittleEndian.Uint32(meta.Get(keySegment))
			store.end = binary.LittleEndian.Uint64(meta.Get(keyEnd))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	segment, err := os.OpenFile(segmentPath(folder, store.current), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		db.Close()
		return nil, err
	}
	// discard any partial append beyond the durable end mark
	if err := segment.Truncate(int64(store.end)); err != nil {
		segment.Close()
		db.Close()
		return nil, err
	}
	store.segment = segment
	return store, nil
}

func (s *Store) Tip() (crypto.Hash, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tip, s.tipHeight, s.hasTip
}

func (s *Store) Has(hash crypto.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.has(hash)
}

func (s *Store) has(hash crypto.Hash) bool {
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketHashes).Get(hash[:]) != nil
		return nil
	})
	return found
}

// Append persists a block extending the current tip. Re-appending a stored
// block is a no-op; a block whose parent is not the tip is refused.
func (s *Store) Append(b *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := b.Hash()
	if s.has(hash) {
		return nil
	}
	if s.hasTip {
		if !b.Parent.Equal(s.tip) {
			return chain.ErrBadPrev
		}
	} else if !b.IsGenesis() {
		return chain.ErrBadPrev
	}

	encoded := b.Serialize()
	if s.end+uint64(len(encoded))+4 > MaxSegmentSize {
		if err := s.roll(); err != nil {
			return err
		}
	}
	frame := make([]byte, 4+len(encoded))
	binary.LittleEndian.PutUint32(frame, uint32(len(encoded)))
	copy(frame[4:], encoded)
	if _, err := s.segment.WriteAt(frame, int64(s.end)); err != nil {
		return err
	}
	if err := s.segment.Sync(); err != nil {
		return err
	}

	rec := record{segment: s.current, offset: s.end + 4, size: uint32(len(encoded))}
	newEnd := s.end + uint64(len(frame))
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHashes).Put(hash[:], rec.encode()); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeights).Put(heightKey(b.Height), hash[:]); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyTip, hash[:]); err != nil {
			return err
		}
		height := make([]byte, 8)
		binary.LittleEndian.PutUint64(height, b.Height)
		if err := meta.Put(keyHeight, height); err != nil {
			return err
		}
		segment := make([]byte, 4)
		binary.LittleEndian.PutUint32(segment, s.current)
		if err := meta.Put(keySegment, segment); err != nil {
			return err
		}
		end := make([]byte, 8)
		binary.LittleEndian.PutUint64(end, newEnd)
		return meta.Put(keyEnd, end)
	})
	if err != nil {
		return err
	}
	s.end = newEnd
	s.hasTip = true
	s.tip = hash
	s.tipHeight = b.Height
	return nil
}

func (s *Store) roll() error {
	if err := s.segment.Close(); err != nil {
		return err
	}
	s.current++
	s.end = 0
	segment, err := os.OpenFile(segmentPath(s.folder, s.current), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	s.segment = segment
	return nil
}

func (s *Store) reader(segment uint32) (io.ReaderAt, error) {
	if segment == s.current {
		return s.segment, nil
	}
	if file, ok := s.readers[segment]; ok {
		return file, nil
	}
	file, err := os.Open(segmentPath(s.folder, segment))
	if err != nil {
		return nil, err
	}
	s.readers[segment] = file
	return file, nil
}

func (s *Store) readRecord(rec record) (*chain.Block, error) {
	reader, err := s.reader(rec.segment)
	if err != nil {
		return nil, err
	}
	data := make([]byte, rec.size)
	if _, err := reader.ReadAt(data, int64(rec.offset)); err != nil {
		return nil, err
	}
	block, err := chain.ParseBlock(data)
	if err != nil {
		return nil, ErrCorrupted
	}
	return block, nil
}

func (s *Store) Get(hash crypto.Hash) (*chain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(hash)
}

func (s *Store) get(hash crypto.Hash) (*chain.Block, error) {
	var rec record
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketHashes).Get(hash[:]); data != nil {
			rec, found = decodeRecord(data)
		}
		return nil
	})
	if !found {
		return nil, ErrNotFound
	}
	return s.readRecord(rec)
}

func (s *Store) GetByHeight(height uint64) (*chain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hash crypto.Hash
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketHeights).Get(heightKey(height)); data != nil {
			hash = crypto.BytesToHash(data)
			found = true
		}
		return nil
	})
	if !found {
		return nil, ErrNotFound
	}
	return s.get(hash)
}

// Each walks stored blocks from the given height through the tip, in height
// order, stopping at the first callback error.
func (s *Store) Each(from uint64, fn func(*chain.Block) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]crypto.Hash, 0)
	s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketHeights).Cursor()
		for k, v := cursor.Seek(heightKey(from)); k != nil; k, v = cursor.Next() {
			hashes = append(hashes, crypto.BytesToHash(v))
		}
		return nil
	})
	for _, hash := range hashes {
		block, err := s.get(hash)
		if err != nil {
			return err
		}
		if err := fn(block); err != nil {
			return err
		}
	}
	return nil
}

// TrimBefore drops index entries below the given height and removes segment
// files no remaining entry references. Thin nodes use it to bound local
// history; the chain can no longer be validated from genesis afterwards.
func (s *Store) TrimBefore(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	minSegment := s.current
	err := s.db.Update(func(tx *bolt.Tx) error {
		heights := tx.Bucket(bucketHeights)
		hashes := tx.Bucket(bucketHashes)
		drop := make([][2][]byte, 0)
		cursor := heights.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if binary.BigEndian.Uint64(k) >= height {
				if data := hashes.Get(v); data != nil {
					if rec, ok := decodeRecord(data); ok && rec.segment < minSegment {
						minSegment = rec.segment
					}
				}
				continue
			}
			key := append([]byte{}, k...)
			hash := append([]byte{}, v...)
			drop = append(drop, [2][]byte{key, hash})
		}
		for _, pair := range drop {
			if err := hashes.Delete(pair[1]); err != nil {
				return err
			}
			if err := heights.Delete(pair[0]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for n := uint32(0); n < minSegment; n++ {
		path := segmentPath(s.folder, n)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if file, ok := s.readers[n]; ok {
			file.Close()
			delete(s.readers, n)
		}
		os.Remove(path)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, file := range s.readers {
		file.Close()
	}
	s.segment.Close()
	return s.db.Close()
}
