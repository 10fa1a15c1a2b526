package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var snapshotKey = []byte("broker/state")

// PebbleBackend keeps the snapshot under a fixed key in a Pebble store.
type PebbleBackend struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleBackend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &PebbleBackend{db: db}, nil
}

func (p *PebbleBackend) SaveState(_ context.Context, payload []byte) error {
	if err := p.db.Set(snapshotKey, payload, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (p *PebbleBackend) LoadState(_ context.Context) ([]byte, error) {
	val, closer, err := p.db.Get(snapshotKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}
