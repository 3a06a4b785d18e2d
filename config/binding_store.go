package config

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/fpinst/log"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	bindingPrefix     = []byte("bind/")
	fingerprintPrefix = []byte("blob/")
)

// BindingStore persists address bindings and blob fingerprints between the
// instrument and run phases. LevelDB handles its own synchronization.
type BindingStore struct {
	db *leveldb.DB
}

// OpenBindingStore opens or creates a LevelDB database at path. An empty
// path uses in-memory storage.
func OpenBindingStore(path string) (*BindingStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open binding store at %q: %w", path, err)
	}
	return &BindingStore{db: db}, nil
}

func bindingKey(key string) []byte { return append(append([]byte(nil), bindingPrefix...), key...) }

func (s *BindingStore) Put(key string, addr uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], addr)
	if err := s.db.Put(bindingKey(key), v[:], nil); err != nil {
		return fmt.Errorf("put binding %s: %w", key, err)
	}
	return nil
}

// Get returns (0, false, nil) when key is absent.
func (s *BindingStore) Get(key string) (uint64, bool, error) {
	v, err := s.db.Get(bindingKey(key), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get binding %s: %w", key, err)
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("get binding %s: %d-byte value", key, len(v))
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// PutFingerprint records the digest of the blob spliced at addr.
func (s *BindingStore) PutFingerprint(addr uint64, fp string) error {
	key := append(append([]byte(nil), fingerprintPrefix...), FormatAddress(addr)...)
	if err := s.db.Put(key, []byte(fp), nil); err != nil {
		return fmt.Errorf("put fingerprint %#x: %w", addr, err)
	}
	return nil
}

func (s *BindingStore) Fingerprint(addr uint64) (string, bool, error) {
	key := append(append([]byte(nil), fingerprintPrefix...), FormatAddress(addr)...)
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get fingerprint %#x: %w", addr, err)
	}
	return string(v), true, nil
}

// SaveConfig writes every address binding of c in one batch.
func (s *BindingStore) SaveConfig(c *Config) error {
	batch := new(leveldb.Batch)
	n := 0
	for _, k := range c.BindingKeys() {
		addr, ok := c.Address(k)
		if !ok {
			continue
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], addr)
		batch.Put(bindingKey(k), v[:])
		n++
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("save bindings: %w", err)
	}
	log.Debug(log.Config, "bindings saved", "count", n)
	return nil
}

// LoadInto copies every stored binding into c, overwriting existing values.
func (s *BindingStore) LoadInto(c *Config) (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix(bindingPrefix), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		key := string(iter.Key()[len(bindingPrefix):])
		if len(iter.Value()) != 8 {
			log.Warn(log.Config, "skipping malformed binding", "key", key)
			continue
		}
		c.SetAddress(key, binary.BigEndian.Uint64(iter.Value()))
		n++
	}
	if err := iter.Error(); err != nil {
		return n, fmt.Errorf("load bindings: %w", err)
	}
	return n, nil
}

func (s *BindingStore) Close() error {
	return s.db.Close()
}
