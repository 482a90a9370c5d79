package database

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "vault.db"
	}
	return open(path)
}

// NewMemoryDatabase opens a shared in-memory database, used by the
// simulation.
func NewMemoryDatabase() (*gorm.DB, error) {
	return open("file::memory:?cache=shared")
}

// NewTestDatabase opens a uniquely named in-memory database so concurrent
// tests never see each other's rows.
func NewTestDatabase() (*gorm.DB, error) {
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
}

func open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Vault{},
		&types.Agent{},
		&types.AgentLimits{},
		&types.Allocation{},
		&types.Position{},
		&types.RiskEvent{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
