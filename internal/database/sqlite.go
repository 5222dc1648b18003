package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/parlorlabs/parlor/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The single connection serializes writers, so every reducer transaction
// runs in isolation without observing another's partial effects.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&chat.User{},
		&chat.GroupChat{},
		&chat.GroupChatMembership{},
		&chat.Message{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := resetPresence(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// resetPresence clears users and memberships at boot. Presence is tracked by
// row existence and no connection survives a restart, so any rows left over
// from a previous process are stale.
func resetPresence(db *gorm.DB) error {
	if err := db.Exec("DELETE FROM groupchat_memberships;").Error; err != nil {
		return err
	}
	return db.Exec("DELETE FROM users;").Error
}
