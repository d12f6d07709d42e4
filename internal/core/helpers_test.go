package core

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Afsalkalladi/platformioemlock/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB returns a private in-memory SQLite store migrated through Migrate
// with foreign keys enforced. It is closed when the test finishes.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("openTestDB: open: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("openTestDB: db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("openTestDB: migrate: %v", err)
	}
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testCommandsConfig() config.CommandsConfig {
	return config.CommandsConfig{
		PollInterval:   10 * time.Millisecond,
		PollTimeout:    time.Second,
		MaxWaitTimeout: time.Second,
		HistoryLimit:   50,
		LogLimit:       100,
		KnownDevices:   16,
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// markCommand simulates the firmware writing a terminal status directly.
func markCommand(t *testing.T, db *gorm.DB, id string, status CommandStatus, result *string, ackedAt *time.Time) {
	t.Helper()
	err := db.Model(&Command{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":   status,
		"result":   result,
		"acked_at": ackedAt,
	}).Error
	if err != nil {
		t.Fatalf("mark command %s: %v", id, err)
	}
}
