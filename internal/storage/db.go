package storage

import (
	"fmt"

	. "pinghub/pkg/chat"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DBPath = "pinghub.db"
)

// Models lists every table owned by the server, in migration order.
var Models = []any{
	&User{},
	&Group{},
	&GroupMember{},
	&Message{},
	&AuditLog{},
}

func Connect(path string) (*gorm.DB, error) {
	if path == "" {
		path = DBPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Ping reports whether the underlying connection pool answers.
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
