package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/mila-iqia/sarc/pkg/api/base"
)

// setupDB creates a new DB file if it does not exist and opens a connection
// with WAL journaling so that the HTTP handlers can read while a sync cycle
// writes.
func setupDB(dbFilePath string, logger *slog.Logger) (*sql.DB, error) {
	if _, err := os.Stat(dbFilePath); os.IsNotExist(err) {
		file, err := os.Create(dbFilePath)
		if err != nil {
			logger.Error("Failed to create DB file", "err", err)
			return nil, err
		}

		file.Close()
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbFilePath))
	if err != nil {
		logger.Error("Failed to open DB file", "err", err)
		return nil, err
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)

	return db, nil
}

// readLastUpdateTime returns the last update time, preferring the timestamp
// file persisted by earlier runs over the CLI fallback.
func readLastUpdateTime(timeStampFile, fallback string, logger *slog.Logger) (time.Time, error) {
	if body, err := os.ReadFile(timeStampFile); err == nil {
		lastUpdateTime, err := time.Parse(base.DatetimeLayout, strings.TrimSpace(string(body)))
		if err == nil {
			return lastUpdateTime, nil
		}

		logger.Error("Failed to parse time string in lastupdatetime file", "time", string(body), "err", err)
	}

	lastUpdateTime, err := time.Parse(time.DateOnly, fallback)
	if err != nil {
		logger.Error("Failed to parse time string", "time", fallback, "err", err)
		return time.Time{}, err
	}

	return lastUpdateTime, nil
}

// writeTimeStampToFile writes timestamp to file.
func writeTimeStampToFile(filePath string, timeStamp time.Time, logger *slog.Logger) {
	timeStampString := timeStamp.Format(base.DatetimeLayout)

	timeStampByte := []byte(timeStampString)
	if err := os.WriteFile(filePath, timeStampByte, 0o600); err != nil {
		logger.Error("Failed to write lastupdatetime file", "time", timeStampString, "err", err)
	}
}
