// Package state persists the broker's recoverable state as a versioned
// snapshot.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/simple-broker/internal/order"
)

// Version is the snapshot schema version this build reads and writes.
const Version = 1

var (
	ErrVersionMismatch = errors.New("snapshot schema version mismatch")
	ErrNoSnapshot      = errors.New("no snapshot stored")
)

// Snapshot is everything needed to rebuild the broker after a restart.
type Snapshot struct {
	Version          int                   `json:"version"`
	LastSubmissionID int64                 `json:"last_submission_id"`
	LastRef          int64                 `json:"last_ref"`
	Orders           map[int64]order.Order `json:"orders"`
	OCOLinks         map[int64]int64       `json:"oco_links"`
	FillIDs          map[string][]string   `json:"fill_ids_by_instrument"`
	SavedAt          time.Time             `json:"saved_at"`
}

// Encode serializes s under the current schema version.
func Encode(s Snapshot) ([]byte, error) {
	s.Version = Version
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return b, nil
}

// Decode parses a snapshot. A snapshot written under another schema version is
// rejected whole with ErrVersionMismatch.
func Decode(b []byte) (Snapshot, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot header: %w", err)
	}
	if head.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, head.Version, Version)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

// StateManager stores the latest encoded snapshot.
type StateManager interface {
	SaveState(ctx context.Context, payload []byte) error
	// LoadState returns ErrNoSnapshot when nothing was saved yet.
	LoadState(ctx context.Context) ([]byte, error)
}

// Store encodes snapshots onto a StateManager backend.
type Store struct {
	backend StateManager
}

func NewStore(backend StateManager) *Store {
	return &Store{backend: backend}
}

func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	b, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := s.backend.SaveState(ctx, b); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	b, err := s.backend.LoadState(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(b)
}
