package cache

import (
	"errors"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

type pebbleCache struct {
	db *pebble.DB
}

func openPebble(dir string) (*pebbleCache, error) {
	db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &pebbleCache{db: db}, nil
}

func (p *pebbleCache) Get(key string) ([]byte, bool, error) {
	value, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	// value is only valid until closer is closed
	result := make([]byte, len(value))
	copy(result, value)
	return result, true, nil
}

func (p *pebbleCache) Put(key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *pebbleCache) Delete(key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *pebbleCache) Close() error {
	return p.db.Close()
}
