package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/fxamacker/cbor/v2"
)

// Keys are stored as a 4 byte big-endian bucket id followed by the cache key,
// so a bucket is one contiguous range.
const bucketPrefixLen = 4

type pebbleBackend struct {
	db   *pebble.DB
	path string
}

// NewPebbleCache opens a pebble-backed InternalCache. An empty path keeps the
// store on an in-memory filesystem. When the directory is locked by another
// process the next fallback path is tried. The store is wiped on open since
// cache contents are rebuilt through state transfer.
func NewPebbleCache(basePath string, buckets int) (*LocalCache, error) {
	if basePath == "" {
		db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
		if err != nil {
			return nil, fmt.Errorf("open in-memory pebble: %w", err)
		}
		return newLocalCache(&pebbleBackend{db: db}, buckets), nil
	}

	maxRetries := 5
	for i := 0; i <= maxRetries; i++ {
		dbPath := basePath
		if i > 0 {
			dbPath = fmt.Sprintf("%s_%d", basePath, i)
		}

		db, err := pebble.Open(dbPath, &pebble.Options{})
		if err == nil {
			log.Printf("[INFO] engine: using pebble store at %s", dbPath)
			b := &pebbleBackend{db: db, path: dbPath}
			if err := b.clear(); err != nil {
				db.Close()
				return nil, fmt.Errorf("wipe %s: %w", dbPath, err)
			}
			return newLocalCache(b, buckets), nil
		}

		if isLockErr(err) {
			log.Printf("[WARN] engine: pebble store at %s is locked, trying next", dbPath)
			continue
		}
		log.Printf("[ERROR] engine: failed to open pebble store at %s: %v", dbPath, err)
		return nil, err
	}
	return nil, fmt.Errorf("all fallback pebble paths for %s are locked", basePath)
}

func isLockErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") ||
		strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "used by another process")
}

func bucketPrefix(bucket int) []byte {
	p := make([]byte, bucketPrefixLen)
	binary.BigEndian.PutUint32(p, uint32(bucket))
	return p
}

func storeKey(bucket int, key string) []byte {
	return append(bucketPrefix(bucket), key...)
}

func (p *pebbleBackend) get(bucket int, key string) (*Entry, error) {
	val, closer, err := p.db.Get(storeKey(bucket, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var e Entry
	if err := cbor.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return &e, nil
}

func (p *pebbleBackend) put(bucket int, key string, e *Entry) error {
	val, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	return p.db.Set(storeKey(bucket, key), val, pebble.NoSync)
}

func (p *pebbleBackend) del(bucket int, key string) error {
	return p.db.Delete(storeKey(bucket, key), pebble.NoSync)
}

func (p *pebbleBackend) iterate(lower, upper []byte, fn func(key string, val []byte) (bool, error)) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < bucketPrefixLen {
			continue
		}
		more, err := fn(string(k[bucketPrefixLen:]), iter.Value())
		if err != nil || !more {
			return err
		}
	}
	return iter.Error()
}

func (p *pebbleBackend) bucketKeys(bucket int) ([]string, error) {
	var keys []string
	err := p.iterate(bucketPrefix(bucket), bucketPrefix(bucket+1), func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	return keys, err
}

func (p *pebbleBackend) scan(fn func(key string, e *Entry) bool) error {
	return p.iterate(nil, nil, func(key string, val []byte) (bool, error) {
		var e Entry
		if err := cbor.Unmarshal(val, &e); err != nil {
			return false, fmt.Errorf("decode %q: %w", key, err)
		}
		return fn(key, &e), nil
	})
}

func (p *pebbleBackend) dropBucket(bucket int) error {
	return p.db.DeleteRange(bucketPrefix(bucket), bucketPrefix(bucket+1), pebble.Sync)
}

func (p *pebbleBackend) clear() error {
	return p.db.DeleteRange([]byte{0, 0, 0, 0}, []byte{0xff, 0xff, 0xff, 0xff, 0xff}, pebble.Sync)
}

func (p *pebbleBackend) close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
