package bfile

import (
	"context"
	"encoding/binary"
	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"os"
	"time"
)

// KeyIndex maps keys to the logical addresses of their values.
type KeyIndex interface {
	// FindValue returns ErrKeyNotFound for absent keys.
	FindValue(key []byte) (Pointer, error)
	// AddValue maps key to p and returns the previous address, or
	// UnknownAddress.
	AddValue(key []byte, p Pointer) (Pointer, error)
	// RemoveValue drops key and returns its address.
	RemoveValue(key []byte) (Pointer, error)
	// Query calls fn in key order for every key matching q until fn
	// returns false or ctx is done.
	Query(ctx context.Context, q *IndexQuery, fn func(key []byte, p Pointer) (bool, error)) error
	Close() error
}

var keysBucket = []byte("keys")

type boltIndex struct {
	db *bolt.DB
}

// OpenBoltIndex opens or creates a bolt backed KeyIndex at path.
func OpenBoltIndex(path string, readOnly, noSync bool, timeout time.Duration) (KeyIndex, error) {
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrap(err, "open key index")
		}
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: timeout, ReadOnly: readOnly})
	if err != nil {
		return nil, errors.Wrap(err, "open key index")
	}
	db.NoSync = noSync
	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(keysBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "create key bucket")
		}
	}
	return &boltIndex{db: db}, nil
}

func encodePointer(p Pointer) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(p))
	return b[:]
}

func decodePointer(b []byte) Pointer {
	if len(b) != 8 {
		return UnknownAddress
	}
	return Pointer(binary.BigEndian.Uint64(b))
}

func (ix *boltIndex) FindValue(key []byte) (Pointer, error) {
	p := UnknownAddress
	err := ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if b == nil {
			return ErrKeyNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		p = decodePointer(v)
		return nil
	})
	return p, err
}

func (ix *boltIndex) AddValue(key []byte, p Pointer) (Pointer, error) {
	old := UnknownAddress
	err := ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if v := b.Get(key); v != nil {
			old = decodePointer(v)
		}
		return b.Put(key, encodePointer(p))
	})
	return old, errors.Wrap(err, "index add")
}

func (ix *boltIndex) RemoveValue(key []byte) (Pointer, error) {
	old := UnknownAddress
	err := ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		v := b.Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		old = decodePointer(v)
		return b.Delete(key)
	})
	return old, err
}

func (ix *boltIndex) Query(ctx context.Context, q *IndexQuery, fn func(key []byte, p Pointer) (bool, error)) error {
	if err := q.Validate(); err != nil {
		return err
	}
	return ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if start := q.seek(); start != nil {
			k, v = c.Seek(start)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(ErrTerminated, err.Error())
			}
			if q.past(k, BytesComparator) {
				break
			}
			if !q.Match(k, BytesComparator) {
				continue
			}
			key := make([]byte, len(k))
			copy(key, k)
			cont, err := fn(key, decodePointer(v))
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

func (ix *boltIndex) Close() error {
	return errors.Wrap(ix.db.Close(), "close key index")
}
