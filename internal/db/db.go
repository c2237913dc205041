// Package db opens the gorm connection for either MySQL or SQLite DSNs.
package db

import (
	"fmt"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/suPer8Hu/growth-lab/internal/chat"
	"github.com/suPer8Hu/growth-lab/internal/models"
)

const sqlitePrefix = "sqlite:"

// Open picks the dialector from the DSN: "sqlite:<path>" uses the pure-Go
// SQLite driver, anything else is handed to MySQL.
func Open(dsn string, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		dialector = gormsqlite.Open(path)
	} else {
		dialector = mysql.Open(dsn)
	}

	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return gdb, nil
}

// Migrate creates or updates every table the server and worker use.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &chat.Session{}, &chat.Message{}, &chat.Job{})
}

// Connect opens and migrates.
func Connect(dsn string, debug bool) (*gorm.DB, error) {
	gdb, err := Open(dsn, debug)
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gdb, nil
}
