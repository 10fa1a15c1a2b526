// Package db
package db

import (
	"database/sql"

	"github.com/amirphl/simple-broker/internal/journal"
	"github.com/amirphl/simple-broker/internal/state"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	state.StateManager
	journal.Journaler
}

var (
	_ Storage = (*Default)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
