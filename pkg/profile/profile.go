// Package profile keeps a persistent record of which guest blocks ran
// hottest, so a later run can translate them before it starts executing.
package profile

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	xerrors "xlate/pkg/errors"
	"xlate/pkg/tcache"
	"xlate/pkg/types"
)

const (
	blockPrefix = 'b'
	keyLen      = 1 + 8 + 4
	valueLen    = 8 + 8 + 4 + 32
)

// Entry is the recorded profile of one translation key.
type Entry struct {
	Key        tcache.Key
	Executions uint64
	Size       uint64
	Insns      int
	Sum        [32]byte // fingerprint of the guest code when last recorded
}

// Store is a pebble-backed profile database.
type Store struct {
	mu    sync.Mutex
	db    *pebble.DB
	batch *pebble.Batch
}

// Open opens or creates the profile database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, xerrors.Wrapf(err, "opening profile %s", path)
	}
	return &Store{db: db}, nil
}

func encodeKey(k tcache.Key) []byte {
	buf := make([]byte, keyLen)
	buf[0] = blockPrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(k.PC))
	binary.BigEndian.PutUint32(buf[9:], uint32(k.Mode))
	return buf
}

func decodeKey(b []byte) (tcache.Key, bool) {
	if len(b) != keyLen || b[0] != blockPrefix {
		return tcache.Key{}, false
	}
	return tcache.Key{
		PC:   types.GuestAddr(binary.BigEndian.Uint64(b[1:])),
		Mode: types.Mode(binary.BigEndian.Uint32(b[9:])),
	}, true
}

func encodeValue(e Entry) []byte {
	buf := make([]byte, valueLen)
	binary.BigEndian.PutUint64(buf[0:], e.Executions)
	binary.BigEndian.PutUint64(buf[8:], e.Size)
	binary.BigEndian.PutUint32(buf[16:], uint32(e.Insns))
	copy(buf[20:], e.Sum[:])
	return buf
}

func decodeValue(k tcache.Key, b []byte) (Entry, error) {
	if len(b) != valueLen {
		return Entry{}, xerrors.ConsistencyErrorf("profile entry %s has %d bytes, want %d", k, len(b), valueLen)
	}
	e := Entry{
		Key:        k,
		Executions: binary.BigEndian.Uint64(b[0:]),
		Size:       binary.BigEndian.Uint64(b[8:]),
		Insns:      int(binary.BigEndian.Uint32(b[16:])),
	}
	copy(e.Sum[:], b[20:])
	return e, nil
}

// get reads through the open batch when a transaction is in progress.
func (s *Store) get(key []byte) ([]byte, bool, error) {
	var (
		val    []byte
		closer io.Closer
		err    error
	)
	if s.batch != nil {
		val, closer, err = s.batch.Get(key)
	} else {
		val, closer, err = s.db.Get(key)
	}
	if xerrors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), val...)
	return out, true, closer.Close()
}

// Get returns the recorded entry for k.
func (s *Store) Get(k tcache.Key) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok, err := s.get(encodeKey(k))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	e, err := decodeValue(k, val)
	return e, err == nil, err
}

func (s *Store) begin() error {
	if s.batch != nil {
		return xerrors.ConsistencyErrorf("profile transaction already in progress")
	}
	s.batch = s.db.NewIndexedBatch()
	return nil
}

func (s *Store) commit() error {
	err := s.batch.Commit(pebble.Sync)
	s.batch.Close()
	s.batch = nil
	return err
}

func (s *Store) rollback() {
	s.batch.Close()
	s.batch = nil
}

// Record adds the execution counts of blocks to the stored profile. Size,
// instruction count and fingerprint are replaced by the block's. Blocks
// that never ran are skipped. The update is atomic.
func (s *Store) Record(blocks []*tcache.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	for _, b := range blocks {
		n := b.Executions()
		if n == 0 {
			continue
		}
		key := encodeKey(b.Key)
		old, ok, err := s.get(key)
		if err != nil {
			s.rollback()
			return xerrors.Wrapf(err, "reading profile entry %s", b.Key)
		}
		e := Entry{Key: b.Key, Size: b.Size, Insns: b.Insns, Sum: b.Sum, Executions: n}
		if ok {
			prev, err := decodeValue(b.Key, old)
			if err != nil {
				s.rollback()
				return err
			}
			e.Executions += prev.Executions
		}
		if err := s.batch.Set(key, encodeValue(e), nil); err != nil {
			s.rollback()
			return xerrors.Wrapf(err, "writing profile entry %s", b.Key)
		}
	}
	return s.commit()
}

// Hot returns up to n entries, most executed first. n <= 0 returns all.
func (s *Store) Hot(n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{blockPrefix},
		UpperBound: []byte{blockPrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		k, ok := decodeKey(iter.Key())
		if !ok {
			continue
		}
		e, err := decodeValue(k, iter.Value())
		if err != nil {
			iter.Close()
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Executions != out[j].Executions {
			return out[i].Executions > out[j].Executions
		}
		return bytes.Compare(encodeKey(out[i].Key), encodeKey(out[j].Key)) < 0
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Close closes the database, discarding an unfinished transaction.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		s.rollback()
	}
	return s.db.Close()
}

// WarmResult summarizes a Warm call.
type WarmResult struct {
	Compiled int // entries translated or already resident
	Changed  int // of those, entries whose guest code differs from the profile
	Failed   int // entries that could not be translated
}

// Warm translates the profiled keys ahead of execution. Translation
// failures are counted, since the guest may have changed since the profile
// was written; only fatal errors are returned.
func Warm(c *tcache.Cache, entries []Entry) (WarmResult, error) {
	var res WarmResult
	for _, e := range entries {
		b, err := c.FindOrCompile(e.Key.PC, e.Key.Mode)
		if err != nil {
			if xerrors.IsFatal(err) {
				return res, err
			}
			res.Failed++
			continue
		}
		res.Compiled++
		if b.Sum != e.Sum {
			res.Changed++
		}
	}
	return res, nil
}
