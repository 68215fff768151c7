// Package cache keeps a local copy of conversation histories so reads
// survive a cluster outage.
package cache

import (
	"errors"
	"fmt"
	"os"
)

var ErrUnknownDriver = errors.New("cache: unknown driver")

// Cache is a durable byte store. Get reports ok=false for missing keys.
type Cache interface {
	Get(key string) (value []byte, ok bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Open creates dir if needed and opens the named driver in it.
func Open(driver, dir string) (Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	switch driver {
	case "bolt", "":
		return openBolt(dir)
	case "pebble":
		return openPebble(dir)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, driver)
	}
}
