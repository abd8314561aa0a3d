package db

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	bucketObjects    = []byte("objects")
	bucketObjectMeta = []byte("object_meta")
)

// Bolt is an embedded single-file Store. Data and custom metadata land
// in one bbolt transaction, so a Put is atomic as a whole.
type Bolt struct {
	db *bbolt.DB
}

var _ Store = (*Bolt)(nil)

// NewBolt opens or creates the database at path, creating the parent
// directory when missing.
func NewBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketObjectMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %q", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Put([]byte(key), cp); err != nil {
			return errors.Wrap(err, "bolt put")
		}
		mb := tx.Bucket(bucketObjectMeta)
		if meta == nil {
			return errors.Wrap(mb.Delete([]byte(key)), "bolt clear meta")
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return errors.Wrap(err, "marshal meta")
		}
		return errors.Wrap(mb.Put([]byte(key), raw), "bolt put meta")
	})
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		// bbolt buffers are only valid inside the transaction.
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Delete([]byte(key)); err != nil {
			return errors.Wrap(err, "bolt delete")
		}
		return errors.Wrap(tx.Bucket(bucketObjectMeta).Delete([]byte(key)), "bolt delete meta")
	})
}

func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt list")
	}
	return keys, nil
}

func (b *Bolt) Close() error { return b.db.Close() }
