package core

import (
	"applicatorsync/internal/infra/persistence/memory"
	"applicatorsync/internal/infra/persistence/postgres"
	"applicatorsync/internal/infra/persistence/sqlite"
	"fmt"
	"os"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	APPLICATORSYNC_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	APPLICATORSYNC_SQLITE_PATH: path to sqlite file (default ./applicatorsync.db)
//	APPLICATORSYNC_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	driver := os.Getenv("APPLICATORSYNC_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(os.Getenv("APPLICATORSYNC_SQLITE_PATH"), engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(os.Getenv("APPLICATORSYNC_POSTGRES_DSN"), engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
