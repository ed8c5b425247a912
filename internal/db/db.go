package db

import (
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens dsn with the SQLite driver for file paths and "file:" URIs,
// and with the MySQL driver otherwise.
func Connect(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if IsSQLite(dsn) {
		return gorm.Open(gormsqlite.Open(dsn), cfg)
	}
	return gorm.Open(mysql.Open(dsn), cfg)
}

func IsSQLite(dsn string) bool {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "file:"),
		d == ":memory:",
		strings.HasSuffix(d, ".db"),
		strings.HasSuffix(d, ".sqlite"),
		strings.HasSuffix(d, ".sqlite3"):
		return true
	}
	// mysql DSNs look like user:pass@tcp(host:port)/db
	return !strings.Contains(d, "@")
}
